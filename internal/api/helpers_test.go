package api

import (
	"fmt"
	"log"

	"github.com/banshee-data/tag.localizer/internal/monitoring"
)

func captureLogs(dst *[]string) (restore func()) {
	monitoring.SetLogger(func(format string, v ...interface{}) {
		*dst = append(*dst, fmt.Sprintf(format, v...))
	})
	return func() { monitoring.SetLogger(log.Printf) }
}
