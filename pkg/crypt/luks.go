package crypt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/basalt-os/basaltctl/internal/utils"
)

// Header token slots. Slot 0 is left free for cryptsetup-managed
// tokens.
const (
	tokenSalt    = 1
	tokenObjPub  = 2
	tokenObjPriv = 3
)

var tokenTypes = map[int]string{
	tokenSalt:    "basalt-salt",
	tokenObjPub:  "basalt-obj-pub",
	tokenObjPriv: "basalt-obj-priv",
}

// headerToken is the JSON payload cryptsetup stores verbatim in the
// LUKS2 header. Data rides base64-encoded.
type headerToken struct {
	Type     string   `json:"type"`
	Keyslots []string `json:"keyslots"`
	Data     string   `json:"data"`
}

func luksFormat(device string, key []byte) error {
	return withKeyFile(key, func(keyFile string) error {
		out, err := cryptsetup("luksFormat", "--type", "luks2", "--batch-mode",
			"--cipher", "aes-xts-plain64", "--key-size", "256",
			"--key-file", keyFile, device)
		if err != nil {
			return fmt.Errorf("formatting %s: %w: %s", device, err, out)
		}
		return nil
	})
}

func luksOpen(device, name string, key []byte) error {
	return withKeyFile(key, func(keyFile string) error {
		out, err := cryptsetup("open", "--key-file", keyFile, device, name)
		if err != nil {
			return fmt.Errorf("opening %s as %s: %w: %s", device, name, err, out)
		}
		utils.Log.Info().Str("device", device).Str("mapped", "/dev/mapper/"+name).Msg("Data partition opened")
		return nil
	})
}

func storeTokens(device string, salt, pub, priv []byte) error {
	payloads := map[int][]byte{
		tokenSalt:    salt,
		tokenObjPub:  pub,
		tokenObjPriv: priv,
	}
	for id, data := range payloads {
		tok := headerToken{
			Type:     tokenTypes[id],
			Keyslots: []string{},
			Data:     base64.StdEncoding.EncodeToString(data),
		}
		raw, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		if err := importToken(device, id, raw); err != nil {
			return err
		}
	}
	return nil
}

func loadTokens(device string) (salt, pub, priv []byte, err error) {
	read := func(id int) ([]byte, error) {
		out, err := cryptsetup("token", "export", "--token-id", fmt.Sprint(id), device)
		if err != nil {
			return nil, fmt.Errorf("exporting token %d from %s: %w: %s", id, device, err, out)
		}
		var tok headerToken
		if err := json.Unmarshal([]byte(out), &tok); err != nil {
			return nil, fmt.Errorf("parsing token %d from %s: %w", id, device, err)
		}
		if tok.Type != tokenTypes[id] {
			return nil, fmt.Errorf("token %d on %s has type %q, want %q", id, device, tok.Type, tokenTypes[id])
		}
		return base64.StdEncoding.DecodeString(tok.Data)
	}

	if salt, err = read(tokenSalt); err != nil {
		return nil, nil, nil, err
	}
	if pub, err = read(tokenObjPub); err != nil {
		return nil, nil, nil, err
	}
	if priv, err = read(tokenObjPriv); err != nil {
		return nil, nil, nil, err
	}
	return salt, pub, priv, nil
}

func importToken(device string, id int, raw []byte) error {
	dir, err := os.MkdirTemp("", "basalt-token-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "token.json")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return err
	}
	out, err := cryptsetup("token", "import", "--token-id", fmt.Sprint(id), "--json-file", path, device)
	if err != nil {
		return fmt.Errorf("importing token %d into %s: %w: %s", id, device, err, out)
	}
	return nil
}

func cryptsetup(args ...string) (string, error) {
	cmd := exec.Command("cryptsetup", args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
