// Package enrich provides the read-only enrichment oracles: MAC-prefix to
// vendor and public-IP to country. Both load once at startup and degrade
// to null lookups when their backing file is absent.
package enrich

import (
	"bufio"
	"os"
	"strings"

	"otscope/pkg/logging"
)

// OUIOracle maps the first three MAC bytes to a vendor name.
type OUIOracle struct {
	vendors map[string]string
	logger  *logging.Logger
	loaded  bool
}

// NewOUIOracle loads a tab-separated OUI table: one `OUI<TAB>vendor` line
// per entry, `#` comments and blank lines ignored. A missing or unreadable
// file yields an oracle that answers nothing; the pipeline proceeds.
func NewOUIOracle(path string) *OUIOracle {
	o := &OUIOracle{
		vendors: make(map[string]string),
		logger:  logging.NewLogger("oui", logging.INFO, false),
	}
	if path == "" {
		return o
	}

	f, err := os.Open(path)
	if err != nil {
		o.logger.Warn("OUI table unavailable, vendor lookups disabled", logging.Fields{
			"path": path, "error": err.Error(),
		})
		return o
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		oui, vendor, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		oui = normalizeOUI(oui)
		vendor = strings.TrimSpace(vendor)
		if len(oui) != 6 || vendor == "" {
			continue
		}
		o.vendors[oui] = vendor
	}
	if err := scanner.Err(); err != nil {
		o.logger.Warn("OUI table read error", logging.Fields{"path": path, "error": err.Error()})
	}

	o.loaded = len(o.vendors) > 0
	o.logger.Info("OUI table loaded", logging.Fields{"entries": len(o.vendors)})
	return o
}

// Lookup returns the vendor for the MAC's OUI, or "" when unknown.
func (o *OUIOracle) Lookup(mac string) string {
	norm := normalizeOUI(mac)
	if len(norm) < 6 {
		return ""
	}
	return o.vendors[norm[:6]]
}

// Loaded reports whether the table held any entries.
func (o *OUIOracle) Loaded() bool { return o.loaded }

// normalizeOUI uppercases and strips separators so "00:0e:8c",
// "00-0E-8C" and "000e8c" index identically.
func normalizeOUI(s string) string {
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	return strings.ToUpper(strings.TrimSpace(s))
}
