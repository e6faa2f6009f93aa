package executor

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		args   []any
		want   string
	}{
		{name: "plain message", format: "worker exits from panic: %v", args: []any{"boom"}, want: "[WARN] pool: worker exits from panic: boom\n"},
		{name: "with level", format: "[DEBUG] purged %d workers", args: []any{3}, want: "[DEBUG] purged 3 workers\n"},
		{name: "blank", format: "  \n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.SetOutput(&buf)
			flags := log.Flags()
			log.SetFlags(0)
			defer func() {
				log.SetOutput(os.Stderr)
				log.SetFlags(flags)
			}()

			poolLogger{}.Printf(tt.format, tt.args...)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}
