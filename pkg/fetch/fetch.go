// Package fetch talks to the release endpoint: it picks the newest
// tagged release and downloads its artifact set into a private scratch
// directory that is removed again on every exit path.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/basalt-os/basaltctl/internal/utils"
)

// FetchError reports a failed metadata or artifact retrieval. Nothing
// downloaded before the failure survives, the scratch directory is
// removed as a whole.
type FetchError struct {
	Step string
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s (%s): %v", e.Step, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch: %s (%s)", e.Step, e.URL)
}

func (e *FetchError) Unwrap() error { return e.Err }

// tagPattern matches upstream release names like basalt-v12 or
// basalt-12 and captures the numeric tag.
var tagPattern = regexp.MustCompile(`^basalt-v?(\d+)$`)

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

type releaseMeta struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

// Release is a downloaded artifact bundle. Paths are only valid until
// Close removes the scratch directory.
type Release struct {
	Tag        int
	Bootloader string
	UKI        string
	Rootfs     string
	Verity     string

	scratch string
}

// Close removes the scratch directory and everything in it. Safe to
// call more than once.
func (r *Release) Close() error {
	if r.scratch == "" {
		return nil
	}
	err := os.RemoveAll(r.scratch)
	r.scratch = ""
	return err
}

// Fetcher retrieves releases from a single endpoint.
type Fetcher struct {
	Endpoint string
	Client   *http.Client
}

func NewFetcher(endpoint string) *Fetcher {
	return &Fetcher{Endpoint: endpoint, Client: http.DefaultClient}
}

// Latest downloads the artifact set of the newest matching release.
// On any failure the scratch directory is gone before the error is
// returned, so a partial download can never be mistaken for a usable
// bundle.
func (f *Fetcher) Latest(ctx context.Context) (rel *Release, err error) {
	tag, assets, err := f.latestMeta(ctx)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "basalt-update-")
	if err != nil {
		return nil, &FetchError{Step: "creating scratch directory", URL: f.Endpoint, Err: err}
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(scratch)
		}
	}()

	rel = &Release{Tag: tag, scratch: scratch}
	wanted := map[string]*string{
		constants.ArtifactBootloader: &rel.Bootloader,
		constants.UKIName(tag):       &rel.UKI,
		constants.ArtifactRootfs:     &rel.Rootfs,
		constants.ArtifactVerity:     &rel.Verity,
	}

	for name, dest := range wanted {
		url, ok := assets[name]
		if !ok {
			return nil, &FetchError{Step: fmt.Sprintf("release %d has no asset %s", tag, name), URL: f.Endpoint}
		}
		path := filepath.Join(scratch, name)
		if err = f.download(ctx, url, path); err != nil {
			return nil, err
		}
		*dest = path
	}

	// SHA256SUMS is optional upstream but when published we hold the
	// bundle to it.
	if url, ok := assets[constants.ArtifactChecksums]; ok {
		sums := filepath.Join(scratch, constants.ArtifactChecksums)
		if err = f.download(ctx, url, sums); err != nil {
			return nil, err
		}
		if err = verifyChecksums(sums, scratch); err != nil {
			return nil, err
		}
	} else {
		utils.Log.Warn().Int("tag", tag).Msg("Release publishes no checksums, skipping verification")
	}

	return rel, nil
}

// latestMeta fetches the release listing and returns the highest
// numeric tag plus its asset name to URL map.
func (f *Fetcher) latestMeta(ctx context.Context) (int, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Endpoint, http.NoBody)
	if err != nil {
		return 0, nil, &FetchError{Step: "building metadata request", URL: f.Endpoint, Err: err}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, nil, &FetchError{Step: "querying release metadata", URL: f.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil, &FetchError{Step: fmt.Sprintf("querying release metadata: status %d", resp.StatusCode), URL: f.Endpoint}
	}

	var releases []releaseMeta
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return 0, nil, &FetchError{Step: "parsing release metadata", URL: f.Endpoint, Err: err}
	}

	best := -1
	var bestAssets []asset
	for _, r := range releases {
		m := tagPattern.FindStringSubmatch(r.TagName)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > best {
			best = n
			bestAssets = r.Assets
		}
	}
	if best < 0 {
		return 0, nil, &FetchError{Step: "selecting release", URL: f.Endpoint, Err: constants.ErrNoRelease}
	}

	assets := make(map[string]string, len(bestAssets))
	for _, a := range bestAssets {
		assets[a.Name] = a.URL
	}
	utils.Log.Info().Int("tag", best).Int("assets", len(assets)).Msg("Selected release")
	return best, assets, nil
}

func (f *Fetcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return &FetchError{Step: "building download request", URL: url, Err: err}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return &FetchError{Step: "downloading artifact", URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &FetchError{Step: fmt.Sprintf("downloading artifact: status %d", resp.StatusCode), URL: url}
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return &FetchError{Step: "creating artifact file", URL: url, Err: err}
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return &FetchError{Step: "writing artifact", URL: url, Err: err}
	}
	utils.Log.Debug().Str("path", path).Int64("bytes", n).Msg("Downloaded artifact")
	return nil
}
