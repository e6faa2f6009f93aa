package executor

import (
	"fmt"
	"log"
	"strings"
)

// poolLogger sends pool messages to the standard logger with a level prefix.
type poolLogger struct{}

// Printf writes the message as a warning unless it already carries a level.
func (poolLogger) Printf(format string, v ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if msg == "" {
		return
	}
	if strings.HasPrefix(msg, "[") {
		log.Print(msg)
		return
	}
	log.Printf("[WARN] pool: %s", msg)
}
