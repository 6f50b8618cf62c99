package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "client":
		return clientTemplate, nil
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

const nodeTemplate = `id = "meshbus-a"
listen_addr = ":7400"
admin_addr = ":7401"
cors_origins = ["http://localhost:3000"]
echo_topic = "ping"
timer_topic = "timer"
timer_interval = "1s"

[filter]
incoming = []
outgoing = []

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "15s"
heartbeat_interval = "5s"
session_dead_after = "15s"
send_queue_limit = 4096
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0

[session.tls]
enabled = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""

[malformed]
per_second = 1.0
burst = 10

[[peers]]
name = "meshbus-b"
addr = "localhost:7500"

[[peers]]
name = "edge"
addr = "ws://localhost:7601/ws"
[peers.filter]
outgoing = ["telemetry.*"]
`

const clientTemplate = `addr = "localhost:7400"
admin_addr = "localhost:7401"
name = "meshctl"
connect_timeout = "5s"
reply_timeout_ms = 2000
tls_enabled = false
tls_ca_file = ""
tls_server_name = ""
`
