package config

// Reader re-reads the configuration file on every call to Read, so group
// membership and pool sizes can change without a restart.
type Reader struct {
	path string
}

// NewReader returns a Reader for the YAML file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Read loads and validates a fresh copy of the configuration.
func (r *Reader) Read() (*Config, error) {
	return LoadConfig(r.path)
}
