package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "initiator":
		return initiatorTemplate, nil
	case "acceptor":
		return acceptorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const initiatorTemplate = `[admin]
listen = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]

[transport]
security_mode = "development"
connect_timeout = "5s"
handshake_timeout = "5s"

[[initiator]]
name = "buy-side"
address = "127.0.0.1:9878"
sender_comp_id = "BUY"
target_comp_id = "SELL"
heartbeat = "30s"
reset_seq_nums = true
confirm_request_msg_count = 100
reconnect = true
reconnect_time = "10s"
send_period = "0s"
low_priority_types = []
`

const acceptorTemplate = `[admin]
listen = "127.0.0.1:7021"

[transport]
security_mode = "development"

[acceptor]
name = "sell-side"
address = ":9878"
sender_comp_id = "SELL"
target_comp_id = "BUY"
heartbeat = "30s"
reset_seq_nums = true
confirm_request_msg_count = 100
`
