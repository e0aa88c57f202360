package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAddressNotFound is returned when an address id is not in the list.
var ErrAddressNotFound = errors.New("address not found")

// Address is one shipping address of a user.
type Address struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Country    string `json:"country"`
	Province   string `json:"province"`
	Ward       string `json:"ward"`
	Detail     string `json:"detail"`
	SetDefault bool   `json:"setDefault"`
}

// Addresses is stored as a JSON column. Every mutating method keeps exactly
// one default entry whenever the list is non-empty.
type Addresses []Address

func (a Addresses) Value() (driver.Value, error) {
	if a == nil {
		a = Addresses{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *Addresses) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*a = Addresses{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("scan addresses: unsupported type %T", src)
	}
	if len(b) == 0 {
		*a = Addresses{}
		return nil
	}
	return json.Unmarshal(b, a)
}

// Default returns the default address, if any.
func (a Addresses) Default() (Address, bool) {
	for _, ad := range a {
		if ad.SetDefault {
			return ad, true
		}
	}
	return Address{}, false
}

func (a Addresses) index(id string) int {
	for i := range a {
		if a[i].ID == id {
			return i
		}
	}
	return -1
}

func (a Addresses) markDefault(i int) {
	for j := range a {
		a[j].SetDefault = j == i
	}
}

// Add appends ad. The first address, or one flagged SetDefault, becomes the
// default.
func (a Addresses) Add(ad Address) Addresses {
	out := append(a, ad)
	if len(out) == 1 || ad.SetDefault {
		out.markDefault(len(out) - 1)
	}
	return out
}

// Update replaces the fields of the address with ad.ID. The default flag is
// only moved, never cleared, by an update.
func (a Addresses) Update(ad Address) (Addresses, error) {
	i := a.index(ad.ID)
	if i < 0 {
		return a, ErrAddressNotFound
	}
	wasDefault := a[i].SetDefault
	a[i] = ad
	switch {
	case ad.SetDefault:
		a.markDefault(i)
	case wasDefault:
		a[i].SetDefault = true
	}
	return a, nil
}

// Delete removes the address; deleting the default promotes the first
// remaining entry.
func (a Addresses) Delete(id string) (Addresses, error) {
	i := a.index(id)
	if i < 0 {
		return a, ErrAddressNotFound
	}
	wasDefault := a[i].SetDefault
	out := append(a[:i:i], a[i+1:]...)
	if wasDefault && len(out) > 0 {
		out.markDefault(0)
	}
	return out, nil
}

// SetDefault makes id the only default address.
func (a Addresses) SetDefault(id string) (Addresses, error) {
	i := a.index(id)
	if i < 0 {
		return a, ErrAddressNotFound
	}
	a.markDefault(i)
	return a, nil
}
