package config

// ConfigBackend is where non-secret keys persist between runs: UserDefaults
// on macOS, a JSON file elsewhere. A key absent from the backend reports
// ok=false and keeps its default.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetBool(key string, val bool) error
	Delete(key string) error
}
