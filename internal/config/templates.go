package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "cameras":
		return camerasTemplate, nil
	case "daemon":
		return daemonTemplate, nil
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

const camerasTemplate = `[[cameras]]
name = "stage-left"
transport = "visca-ip"
addr = "192.168.0.100:52381"
slots = 2
command_timeout = "500ms"
inquiry_timeout = "200ms"
retries = 1
retry_jitter = true
backpressure = "block"
send_cancel = true

[[cameras]]
name = "booth"
transport = "serial"
addr = "/dev/ttyUSB0"
baud = 9600
address = 1
`

const daemonTemplate = `listen_addr = ":9080"
cameras_file = "cameras.toml"
cors_origins = ["http://localhost:3000"]
log_level = "info"
`
