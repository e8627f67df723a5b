package config

import "fmt"

// ConfigError reports invalid configuration detected before any task runs.
type ConfigError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ConfigError) Error() string {
	switch {
	case e.ID != "" && e.Err != nil:
		return fmt.Sprintf("invalid %s id %s: %v", e.Kind, e.ID, e.Err)
	case e.ID != "":
		return fmt.Sprintf("invalid %s id %s", e.Kind, e.ID)
	case e.Err != nil:
		return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("invalid %s", e.Kind)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
