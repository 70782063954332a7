package crypt

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

// srkTemplate is the storage primary the sealed object hangs off. The
// primary is recreated deterministically on every call, nothing is made
// persistent in the TPM.
var srkTemplate = tpm2.Public{
	Type:       tpm2.AlgRSA,
	NameAlg:    tpm2.AlgSHA256,
	Attributes: tpm2.FlagStorageDefault,
	RSAParameters: &tpm2.RSAParams{
		Symmetric: &tpm2.SymScheme{
			Alg:     tpm2.AlgAES,
			KeyBits: 128,
			Mode:    tpm2.AlgCFB,
		},
		KeyBits: 2048,
	},
}

// deviceTPM implements TPM against a real character device.
type deviceTPM struct {
	rw io.ReadWriteCloser
}

// OpenTPM opens the kernel resource-managed TPM.
func OpenTPM() (TPM, error) {
	rw, err := tpm2.OpenTPM("/dev/tpmrm0")
	if err != nil {
		return nil, fmt.Errorf("opening TPM: %w", err)
	}
	return &deviceTPM{rw: rw}, nil
}

func (t *deviceTPM) Close() error {
	return t.rw.Close()
}

func (t *deviceTPM) Random(n int) ([]byte, error) {
	var out []byte
	// GetRandom returns at most the digest size per call
	for len(out) < n {
		chunk, err := tpm2.GetRandom(t.rw, uint16(n-len(out)))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("TPM returned no entropy")
		}
		out = append(out, chunk...)
	}
	return out[:n], nil
}

func (t *deviceTPM) primary() (tpmutil.Handle, error) {
	handle, _, err := tpm2.CreatePrimary(t.rw, tpm2.HandleOwner, tpm2.PCRSelection{}, "", "", srkTemplate)
	if err != nil {
		return 0, fmt.Errorf("creating primary key: %w", err)
	}
	return handle, nil
}

func (t *deviceTPM) Seal(secret, auth []byte) ([]byte, []byte, error) {
	parent, err := t.primary()
	if err != nil {
		return nil, nil, err
	}
	defer tpm2.FlushContext(t.rw, parent)

	priv, pub, err := tpm2.Seal(t.rw, parent, "", string(auth), nil, secret)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing: %w", err)
	}
	return pub, priv, nil
}

func (t *deviceTPM) Unseal(pub, priv, auth []byte) ([]byte, error) {
	parent, err := t.primary()
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext(t.rw, parent)

	item, _, err := tpm2.Load(t.rw, parent, "", pub, priv)
	if err != nil {
		return nil, fmt.Errorf("loading sealed object: %w", err)
	}
	defer tpm2.FlushContext(t.rw, item)

	secret, err := tpm2.Unseal(t.rw, item, string(auth))
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}
	return secret, nil
}
