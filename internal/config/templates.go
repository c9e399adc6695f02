package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
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

const serverTemplate = `[server]
listen = "127.0.0.1:56565"
admin = "127.0.0.1:56566"
admin_token = ""
doi = ""
protocol_version = 3

[session]
security_mode = "development"
handshake_timeout = "5s"

[stream]
read_block_size = 8192
write_block_size = 8192
timeout = "30s"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[limits]
max_payload_bytes = 268435456
max_depth = 64

[plugins]
dir = "plugins"
fail_on_load = true
entry_symbol = "uda_entry"
max_interface_version = 1
builtins = ["kv", "fs"]
fs_root = "."

# [[plugins.module]]
# name = "demo"
# file = "demo.wasm"
# default_method = "read"
# description = "example wasm plugin"
`

const clientTemplate = `[client]
addr = "127.0.0.1:56565"
name = "udaclient"
protocol_version = 3
retries = 3

[session]
security_mode = "development"
connect_timeout = "5s"

[session.backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true

[tls]
enabled = false

[cache]
enabled = false
dir = ""
ttl = "24h"
max_entries = 256
`
