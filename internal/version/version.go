// Package version хранит сведения о сборке booking-service.
package version

import "fmt"

// Значения подставляются при сборке через -ldflags:
//
//	-X .../internal/version.version=v1.2.3
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// String возвращает строку для логов и флага -version.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}
