package crypt_test

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/basalt-os/basaltctl/pkg/crypt"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeTPM seals by remembering secrets keyed by their auth value, close
// enough to the real sealing contract for derivation tests.
type fakeTPM struct {
	sealed map[string][]byte
}

var _ crypt.TPM = (*fakeTPM)(nil)

func newFakeTPM() *fakeTPM {
	return &fakeTPM{sealed: map[string][]byte{}}
}

func (f *fakeTPM) Random(n int) ([]byte, error) {
	out := make([]byte, n)
	_, err := rand.Read(out)
	return out, err
}

func (f *fakeTPM) Seal(secret, auth []byte) ([]byte, []byte, error) {
	id := fmt.Sprintf("blob-%d", len(f.sealed))
	f.sealed[id+string(auth)] = append([]byte(nil), secret...)
	return []byte(id), []byte(id), nil
}

func (f *fakeTPM) Unseal(pub, _, auth []byte) ([]byte, error) {
	secret, ok := f.sealed[string(pub)+string(auth)]
	if !ok {
		return nil, fmt.Errorf("auth failure")
	}
	return secret, nil
}

func (f *fakeTPM) Close() error { return nil }

var _ = Describe("key derivation", func() {
	Context("DeriveKey", func() {
		It("is deterministic for the same password and salt", func() {
			salt := bytes.Repeat([]byte{0x42}, 64)
			a1, b1 := crypt.DeriveKey("hunter2", salt)
			a2, b2 := crypt.DeriveKey("hunter2", salt)
			Expect(a1).To(Equal(a2))
			Expect(b1).To(Equal(b2))
			Expect(a1).To(HaveLen(32))
			Expect(b1).To(HaveLen(32))
			Expect(a1).ToNot(Equal(b1))
		})
		It("changes completely with password or salt", func() {
			salt := bytes.Repeat([]byte{0x42}, 64)
			otherSalt := bytes.Repeat([]byte{0x43}, 64)
			a1, _ := crypt.DeriveKey("hunter2", salt)
			a2, _ := crypt.DeriveKey("hunter3", salt)
			a3, _ := crypt.DeriveKey("hunter2", otherSalt)
			Expect(a1).ToNot(Equal(a2))
			Expect(a1).ToNot(Equal(a3))
		})
	})

	Context("FinalKey", func() {
		It("binds both the derived half and the sealed secret", func() {
			sliceA := bytes.Repeat([]byte{0x01}, 32)
			secret := bytes.Repeat([]byte{0x02}, 64)
			k1 := crypt.FinalKey(sliceA, secret)
			k2 := crypt.FinalKey(sliceA, secret)
			Expect(k1).To(Equal(k2))
			Expect(k1).To(HaveLen(32))

			Expect(crypt.FinalKey(bytes.Repeat([]byte{0x03}, 32), secret)).ToNot(Equal(k1))
			Expect(crypt.FinalKey(sliceA, bytes.Repeat([]byte{0x04}, 64))).ToNot(Equal(k1))
		})
	})

	Context("seal and unseal through the TPM contract", func() {
		It("round-trips the secret under the right auth", func() {
			tpm := newFakeTPM()
			salt, err := tpm.Random(64)
			Expect(err).ToNot(HaveOccurred())
			secret, err := tpm.Random(64)
			Expect(err).ToNot(HaveOccurred())

			sliceA, sliceB := crypt.DeriveKey("correct horse", salt)
			pub, priv, err := tpm.Seal(secret, sliceB)
			Expect(err).ToNot(HaveOccurred())

			// the unlock path re-derives everything from the password
			a2, b2 := crypt.DeriveKey("correct horse", salt)
			unsealed, err := tpm.Unseal(pub, priv, b2)
			Expect(err).ToNot(HaveOccurred())
			Expect(crypt.FinalKey(a2, unsealed)).To(Equal(crypt.FinalKey(sliceA, secret)))
		})

		It("fails to unseal under the wrong password", func() {
			tpm := newFakeTPM()
			salt, _ := tpm.Random(64)
			secret, _ := tpm.Random(64)
			_, sliceB := crypt.DeriveKey("correct horse", salt)
			pub, priv, err := tpm.Seal(secret, sliceB)
			Expect(err).ToNot(HaveOccurred())

			_, wrongB := crypt.DeriveKey("battery staple", salt)
			_, err = tpm.Unseal(pub, priv, wrongB)
			Expect(err).To(HaveOccurred())
		})
	})
})
