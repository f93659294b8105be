package config

import (
	"fmt"
	"os"
)

// Template is a commented config file carrying the defaults.
const Template = `# routerctl configuration

[log]
level = "info"
timestamp = true
no_color = false
bypass = false

[auth]
# shared token for router sessions and the admin API; empty disables auth
token = ""

[router]
name = "router"
listen_addr = ":48898"
admin_addr = "127.0.0.1:7080"
# strict removes a route before disconnect returns.
# deferred is a legacy regression fixture.
policy = "strict"
deferred_delay = "100ms"
cors_origins = ["http://localhost:3000"]
handshake_timeout = "5s"
write_timeout = "5s"
request_timeout = "5s"

[endpoint]
router_addr = "127.0.0.1:48898"
address = "10.10.10.10.1.1:45086"
connect_timeout = "10s"
poll_interval = "50ms"
unregister_timeout = "5s"

[client]
router_addr = "127.0.0.1:48898"
source = "10.10.10.10.1.2:32905"
connect_timeout = "10s"
request_timeout = "5s"
`

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
