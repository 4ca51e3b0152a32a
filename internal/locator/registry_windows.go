//go:build windows

package locator

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

type systemRegistry struct{}

// SystemRegistry reads string values from the Windows registry.
func SystemRegistry() RegistryReader {
	return systemRegistry{}
}

func (systemRegistry) ReadString(hive, path, value string) (string, error) {
	root, err := resolveRegistryRoot(hive)
	if err != nil {
		return "", err
	}

	key, err := registry.OpenKey(root, path, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("%w: %s\\%s: %v", ErrValueNotFound, hive, path, err)
	}
	defer key.Close()

	s, valType, err := key.GetStringValue(value)
	if err != nil {
		return "", fmt.Errorf("%w: %s\\%s\\%s: %v", ErrValueNotFound, hive, path, value, err)
	}
	if valType == registry.EXPAND_SZ {
		if expanded, expErr := registry.ExpandString(s); expErr == nil {
			s = expanded
		}
	}
	return s, nil
}

func resolveRegistryRoot(hive string) (registry.Key, error) {
	switch strings.ToUpper(hive) {
	case "HKLM", "HKEY_LOCAL_MACHINE":
		return registry.LOCAL_MACHINE, nil
	case "HKCU", "HKEY_CURRENT_USER":
		return registry.CURRENT_USER, nil
	default:
		return 0, fmt.Errorf("unknown registry hive: %s", hive)
	}
}
