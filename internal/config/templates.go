package config

import (
	"fmt"
	"os"
)

// Template is a fully commented config matching Default.
const Template = `# dbgbridge configuration

[serial]
device = "/dev/ttyUSB0"
baud = 38400
read_timeout = "100ms"
# bytes requested per device read
read_chunk = 4096

[buffer]
# buffered bytes without a complete frame before the stream is resynced
max_bytes = 65536
max_binary_payload = 32767

[channels]
bind_host = "0.0.0.0"
tree_port = 3030
log_port = 3031
bin_port = 3032
poll_timeout = "5ms"
write_timeout = "10ms"

[metrics]
# prometheus /metrics listener, empty disables it
addr = ""

[backoff]
initial = "100ms"
max = "2s"
multiplier = 2.0
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
