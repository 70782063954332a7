package efi

import (
	"fmt"
	"os"

	"github.com/foxboron/go-uefi/authenticode"
	fwefi "github.com/foxboron/go-uefi/efi"
)

// CheckSigned parses the artifact as a PE/COFF binary and requires at
// least one authenticode signature. Full chain validation happens in
// firmware at boot, this check only keeps an obviously unsigned binary
// from reaching the ESP.
func CheckSigned(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	binary, err := authenticode.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing %s as PE/COFF: %w", path, err)
	}

	sigs, err := binary.Signatures()
	if err != nil {
		return fmt.Errorf("reading signatures of %s: %w", path, err)
	}
	if len(sigs) == 0 {
		return fmt.Errorf("%s carries no authenticode signature", path)
	}
	return nil
}

// SecureBootEnabled reports the firmware Secure Boot state.
func SecureBootEnabled() bool {
	return fwefi.GetSecureBoot()
}
