//go:build !darwin

package permissions

// CheckMicrophone reports Authorized on platforms without a consent prompt.
func CheckMicrophone() Status {
	return Authorized
}

// EnsureMicrophone is a no-op on non-macOS platforms.
func EnsureMicrophone() error {
	return nil
}
