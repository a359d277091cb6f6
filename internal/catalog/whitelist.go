package catalog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kitebridge/internal/apperr"
	"kitebridge/internal/model"
)

// whitelistFile is the on-disk shape of <strategy_dir>/<tag>.json.
type whitelistFile struct {
	Symbols []struct {
		Ticker string `json:"ticker"`
	} `json:"symbols"`
}

// LoadWhitelists reads every *.json file in dir. The file's base name is the
// strategy tag. Files that cannot be read or parsed are logged and skipped;
// if none load the result is apperr.ErrNoWhitelists. Whitelists come back
// sorted by tag.
func LoadWhitelists(dir string) ([]model.Whitelist, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(paths)

	var out []model.Whitelist
	for _, p := range paths {
		wl, err := readWhitelist(p)
		if err != nil {
			log.Printf("[catalog] skipping whitelist %s: %v", p, err)
			continue
		}
		out = append(out, wl)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s", apperr.ErrNoWhitelists, dir)
	}
	return out, nil
}

func readWhitelist(path string) (model.Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Whitelist{}, err
	}
	var f whitelistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Whitelist{}, err
	}
	wl := model.Whitelist{
		Tag:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Symbols: make(map[string]struct{}, len(f.Symbols)),
	}
	for _, s := range f.Symbols {
		if t := strings.ToUpper(strings.TrimSpace(s.Ticker)); t != "" {
			wl.Symbols[t] = struct{}{}
		}
	}
	return wl, nil
}
