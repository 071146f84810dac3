package manager

import "fmt"

func errAlreadyRegistered(name string) error {
	return fmt.Errorf("service %q is already registered", name)
}

func errNotRegistered(name string) error {
	return fmt.Errorf("service %q is not registered", name)
}

func errToolNotFound(name string) error {
	return fmt.Errorf("tool %q not found in any connected service or custom tool registry", name)
}

func errAmbiguousTool(name string, owners []string) error {
	return fmt.Errorf("tool %q is ambiguous: claimed by services %v", name, owners)
}
