//go:build !windows

package locator

type noRegistry struct{}

// SystemRegistry returns a reader that never finds anything; the registry
// only exists on Windows.
func SystemRegistry() RegistryReader {
	return noRegistry{}
}

func (noRegistry) ReadString(hive, path, value string) (string, error) {
	return "", ErrValueNotFound
}
