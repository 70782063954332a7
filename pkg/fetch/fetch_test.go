package fetch_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/pkg/fetch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeAsset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

type fakeRelease struct {
	TagName string      `json:"tag_name"`
	Assets  []fakeAsset `json:"assets"`
}

// releaseServer serves GitHub-shaped release metadata plus artifact
// bodies. Artifacts mapped to nil get a 404 so partial-download
// behavior can be exercised.
func releaseServer(tag string, artifacts map[string][]byte, withSums bool) *httptest.Server {
	mux := http.NewServeMux()
	var server *httptest.Server

	sums := ""
	for name, body := range artifacts {
		if body == nil {
			continue
		}
		digest := sha256.Sum256(body)
		sums += fmt.Sprintf("%s  %s\n", hex.EncodeToString(digest[:]), name)
	}

	mux.HandleFunc("/releases", func(w http.ResponseWriter, _ *http.Request) {
		var assets []fakeAsset
		for name := range artifacts {
			assets = append(assets, fakeAsset{Name: name, URL: server.URL + "/artifacts/" + name})
		}
		if withSums {
			assets = append(assets, fakeAsset{
				Name: constants.ArtifactChecksums,
				URL:  server.URL + "/artifacts/" + constants.ArtifactChecksums,
			})
		}
		releases := []fakeRelease{
			{TagName: "nightly-build"},
			{TagName: tag, Assets: assets},
		}
		_ = json.NewEncoder(w).Encode(releases)
	})
	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if withSums && name == constants.ArtifactChecksums {
			_, _ = w.Write([]byte(sums))
			return
		}
		body, ok := artifacts[name]
		if !ok || body == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	})

	server = httptest.NewServer(mux)
	return server
}

func fullArtifactSet(tag int) map[string][]byte {
	return map[string][]byte{
		constants.ArtifactBootloader: []byte("bootloader-pe"),
		constants.UKIName(tag):       []byte("uki-pe"),
		constants.ArtifactRootfs:     []byte("rootfs-bytes"),
		constants.ArtifactVerity:     []byte("verity-bytes"),
	}
}

var _ = Describe("release fetching", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("happy path", func() {
		It("downloads all four artifacts into a scratch directory", func() {
			server := releaseServer("basalt-v7", fullArtifactSet(7), true)
			defer server.Close()

			rel, err := fetch.NewFetcher(server.URL + "/releases").Latest(ctx)
			Expect(err).ToNot(HaveOccurred())
			defer rel.Close()

			Expect(rel.Tag).To(Equal(7))
			for path, content := range map[string]string{
				rel.Bootloader: "bootloader-pe",
				rel.UKI:        "uki-pe",
				rel.Rootfs:     "rootfs-bytes",
				rel.Verity:     "verity-bytes",
			} {
				raw, rerr := os.ReadFile(path)
				Expect(rerr).ToNot(HaveOccurred())
				Expect(string(raw)).To(Equal(content))
			}

			scratch := filepath.Dir(rel.Rootfs)
			Expect(rel.Close()).To(Succeed())
			_, serr := os.Stat(scratch)
			Expect(os.IsNotExist(serr)).To(BeTrue())
		})

		It("selects the highest matching tag", func() {
			artifacts := fullArtifactSet(12)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/releases" {
					host := "http://" + r.Host
					var assets []fakeAsset
					for name := range artifacts {
						assets = append(assets, fakeAsset{Name: name, URL: host + "/a/" + name})
					}
					_ = json.NewEncoder(w).Encode([]fakeRelease{
						{TagName: "basalt-v3"},
						{TagName: "basalt-12", Assets: assets},
						{TagName: "basalt-v9"},
					})
					return
				}
				if body, ok := artifacts[filepath.Base(r.URL.Path)]; ok {
					_, _ = w.Write(body)
					return
				}
				http.NotFound(w, r)
			}))
			defer server.Close()

			rel, err := fetch.NewFetcher(server.URL + "/releases").Latest(ctx)
			Expect(err).ToNot(HaveOccurred())
			defer rel.Close()
			Expect(rel.Tag).To(Equal(12))
		})
	})

	Context("failure paths", func() {
		It("fails when no release name matches", func() {
			server := releaseServer("granite-v3", nil, false)
			defer server.Close()

			_, err := fetch.NewFetcher(server.URL + "/releases").Latest(ctx)
			var fetchErr *fetch.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
			Expect(errors.Is(err, constants.ErrNoRelease)).To(BeTrue())
		})

		It("removes the scratch directory when one artifact 404s", func() {
			artifacts := fullArtifactSet(7)
			artifacts[constants.ArtifactVerity] = nil
			server := releaseServer("basalt-v7", artifacts, false)
			defer server.Close()

			before := tempEntries()
			_, err := fetch.NewFetcher(server.URL + "/releases").Latest(ctx)
			var fetchErr *fetch.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
			Expect(tempEntries()).To(Equal(before))
		})

		It("fails on a checksum mismatch", func() {
			artifacts := fullArtifactSet(7)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				name := filepath.Base(r.URL.Path)
				switch {
				case r.URL.Path == "/releases":
					host := "http://" + r.Host
					assets := []fakeAsset{{Name: constants.ArtifactChecksums, URL: host + "/a/" + constants.ArtifactChecksums}}
					for n := range artifacts {
						assets = append(assets, fakeAsset{Name: n, URL: host + "/a/" + n})
					}
					_ = json.NewEncoder(w).Encode([]fakeRelease{{TagName: "basalt-v7", Assets: assets}})
				case name == constants.ArtifactChecksums:
					for n := range artifacts {
						fmt.Fprintf(w, "%064d  %s\n", 0, n)
					}
				default:
					_, _ = w.Write(artifacts[name])
				}
			}))
			defer server.Close()

			_, err := fetch.NewFetcher(server.URL + "/releases").Latest(ctx)
			var fetchErr *fetch.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("checksum mismatch"))
		})

		It("fails on unreachable endpoints", func() {
			_, err := fetch.NewFetcher("http://127.0.0.1:1/releases").Latest(ctx)
			var fetchErr *fetch.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
		})

		It("fails on unparsable metadata", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			}))
			defer server.Close()

			_, err := fetch.NewFetcher(server.URL).Latest(ctx)
			var fetchErr *fetch.FetchError
			Expect(errors.As(err, &fetchErr)).To(BeTrue())
		})
	})
})

// tempEntries lists basalt scratch directories currently in TMPDIR.
func tempEntries() []string {
	entries, err := os.ReadDir(os.TempDir())
	Expect(err).ToNot(HaveOccurred())
	var names []string
	for _, e := range entries {
		if len(e.Name()) > 14 && e.Name()[:14] == "basalt-update-" {
			names = append(names, e.Name())
		}
	}
	return names
}
