package config

import (
	"errors"
	"fmt"
	"os"
)

var ErrConfigExists = errors.New("config: file already exists")

// Template is a commented config file carrying the defaults.
func Template() string {
	return defaultTemplate
}

// WriteTemplate writes Template to path, refusing to replace an existing file
// unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

const defaultTemplate = `# VM service websocket endpoint (ws:// or wss://)
url = "ws://127.0.0.1:8181/ws"
# pin an isolate; leave empty to follow the first isolate across restarts
isolate_id = ""
inspector_library = "package:flutter/src/widgets/widget_inspector.dart"

connect_timeout = "5s"
call_timeout = "30s"
max_connect_attempts = 0
extension_wait = "10s"
dispose_timeout = "5s"

# widget | render
tree_kind = "widget"
root_directories = []
admin_addr = "127.0.0.1:9190"
# browser origins allowed to read the admin API
cors_origins = []

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[tls]
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false
`
