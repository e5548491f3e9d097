// Package citydata loads the city catalog (cities.json) that maps city
// ids to display names and the pinyin subdomains the site shards its
// department pages across.
package citydata

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// City is one entry of cities.json.
type City struct {
	ID     string `json:"cityId"`
	Name   string `json:"name"`
	Pinyin string `json:"pinyin,omitempty"`
}

func (c *City) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     json.Number `json:"cityId"`
		Name   string      `json:"name"`
		Pinyin string      `json:"pinyin"`
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	c.ID = raw.ID.String()
	c.Name = strings.TrimSpace(raw.Name)
	c.Pinyin = strings.TrimSpace(raw.Pinyin)
	return nil
}

// Default covers the deployment the tool was built around; the full
// catalog ships as cities.json next to the binary.
var Default = []City{
	{ID: "5", Name: "深圳", Pinyin: "sz"},
}

// Load reads a cities.json file. A missing file is not an error, the
// default catalog is returned instead.
func Load(path string) ([]City, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default, nil
	}
	if err != nil {
		return nil, err
	}
	var cities []City
	if err := json.Unmarshal(data, &cities); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cities) == 0 {
		return Default, nil
	}
	return cities, nil
}

// Find returns the city with the given id, or nil.
func Find(cities []City, id string) *City {
	id = strings.TrimSpace(id)
	for i := range cities {
		if cities[i].ID == id {
			return &cities[i]
		}
	}
	return nil
}

// PinyinOf resolves the subdomain for a city id; unknown cities fall
// back to the empty string, which callers treat as "www".
func PinyinOf(cities []City, id string) string {
	if city := Find(cities, id); city != nil {
		return city.Pinyin
	}
	return ""
}
