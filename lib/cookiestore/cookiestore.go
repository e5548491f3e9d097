package cookiestore

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// SiteDomain is the scope cookies default to when the record does
	// not carry its own domain.
	SiteDomain = ".91160.com"
	// CredentialCookie is the session cookie whose presence defines
	// "logged in".
	CredentialCookie = "access_hash"
)

// hosts whose cookies make up a session; net/http cookie jars only hand
// cookies back per-URL, so harvesting walks this list
var sessionHosts = []string{
	"https://www.91160.com",
	"https://user.91160.com",
	"https://open.weixin.qq.com",
	"https://lp.open.weixin.qq.com",
}

type Record struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (r Record) key() string {
	return strings.ToLower(r.Domain) + "|" + r.Path + "|" + r.Name
}

// Normalize drops nameless records, fills in default domain/path and
// deduplicates by (lowercased domain, path, name) with the last
// occurrence winning. The result is sorted so Normalize is idempotent
// byte-for-byte.
func Normalize(records []Record) []Record {
	unique := make(map[string]Record)
	for _, record := range records {
		if record.Name == "" {
			continue
		}
		if record.Domain == "" {
			record.Domain = SiteDomain
		}
		if record.Path == "" {
			record.Path = "/"
		}
		unique[record.key()] = record
	}
	out := make([]Record, 0, len(unique))
	for _, record := range unique {
		out = append(out, record)
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.key(), b.key())
	})
	return out
}

// HasCredential reports whether the distinguished access-token cookie
// is present with a non-empty value.
func HasCredential(records []Record) bool {
	for _, record := range records {
		if record.Name == CredentialCookie && record.Value != "" {
			return true
		}
	}
	return false
}

// Values returns every distinct non-empty value held by cookies of the
// given name. A user can carry more than one access token across
// domains, all of which must be tried against the schedule API.
func Values(records []Record, name string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1)
	for _, record := range records {
		if record.Name != name || record.Value == "" {
			continue
		}
		if _, ok := seen[record.Value]; ok {
			continue
		}
		seen[record.Value] = struct{}{}
		out = append(out, record.Value)
	}
	return out
}

// Apply projects records into a cookie jar, grouped per host. Records
// with a malformed domain are skipped rather than failing the whole
// set.
func Apply(jar http.CookieJar, records []Record) {
	if jar == nil {
		return
	}
	grouped := make(map[string][]*http.Cookie)
	for _, record := range Normalize(records) {
		host := strings.TrimPrefix(record.Domain, ".")
		if host == "" || strings.ContainsAny(host, " /\\") {
			continue
		}
		grouped[host] = append(grouped[host], &http.Cookie{
			Name:   record.Name,
			Value:  record.Value,
			Domain: record.Domain,
			Path:   record.Path,
		})
	}
	for host, cookies := range grouped {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host}, cookies)
	}
}

// Harvest flattens the session-relevant cookies out of a jar into
// records. Jars do not expose domain/path for the cookies they return,
// so harvested records take the site-wide defaults.
func Harvest(jar http.CookieJar) []Record {
	if jar == nil {
		return nil
	}
	records := make([]Record, 0)
	for _, host := range sessionHosts {
		u, err := url.Parse(host)
		if err != nil {
			continue
		}
		for _, c := range jar.Cookies(u) {
			records = append(records, Record{
				Name:   c.Name,
				Value:  c.Value,
				Domain: c.Domain,
				Path:   c.Path,
			})
		}
	}
	return Normalize(records)
}

// Store persists a session as a JSON array of records.
type Store struct {
	path string
}

func NewStore(path string) Store {
	return Store{path: path}
}

func (s Store) Path() string {
	return s.path
}

// Load reads the session file. A missing file means "no session yet"
// and returns an empty set. Legacy flat name→value maps are promoted
// to full records with default scope.
func (s Store) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var list []Record
	if err := json.Unmarshal(data, &list); err == nil {
		return Normalize(list), nil
	}

	var dict map[string]string
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, err
	}
	list = make([]Record, 0, len(dict))
	for name, value := range dict {
		list = append(list, Record{Name: name, Value: value})
	}
	return Normalize(list), nil
}

// Save writes the normalized session, pretty-printed. Saving an empty
// set is an error so a broken login can never wipe a good session.
func (s Store) Save(records []Record) error {
	records = Normalize(records)
	if len(records) == 0 {
		return errors.New("no cookies to save")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}
