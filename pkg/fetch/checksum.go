package fetch

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/basalt-os/basaltctl/internal/utils"
)

// verifyChecksums checks every downloaded artifact in dir against the
// sha256sum-format file at sumsPath. Entries for artifacts we did not
// download are ignored, but every downloaded artifact must have an
// entry.
func verifyChecksums(sumsPath, dir string) error {
	want, err := parseChecksums(sumsPath)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &FetchError{Step: "listing scratch directory", URL: dir, Err: err}
	}

	for _, e := range entries {
		if e.Name() == filepath.Base(sumsPath) {
			continue
		}
		expected, ok := want[e.Name()]
		if !ok {
			return &FetchError{Step: fmt.Sprintf("no checksum published for %s", e.Name()), URL: sumsPath}
		}
		got, err := fileSHA256(filepath.Join(dir, e.Name()))
		if err != nil {
			return &FetchError{Step: fmt.Sprintf("hashing %s", e.Name()), URL: dir, Err: err}
		}
		if got != expected {
			return &FetchError{Step: fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Name(), expected, got), URL: sumsPath}
		}
		utils.Log.Debug().Str("artifact", e.Name()).Msg("Checksum verified")
	}
	return nil
}

// parseChecksums reads "hexdigest  filename" lines.
func parseChecksums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FetchError{Step: "opening checksum file", URL: path, Err: err}
	}
	defer f.Close()

	sums := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		sums[strings.TrimPrefix(fields[1], "*")] = strings.ToLower(fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, &FetchError{Step: "reading checksum file", URL: path, Err: err}
	}
	return sums, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
