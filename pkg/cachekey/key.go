// Package cachekey defines the dataset keys that the cache tracks coverage for.
package cachekey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidKey is returned when a key is malformed or missing a discriminator
	ErrInvalidKey = errors.New("invalid cache key")
)

// Kind identifies the dataset class of a key
type Kind string

// Supported dataset kinds
const (
	KindEvents      Kind = "events"
	KindTimestamps  Kind = "timestamps"
	KindBalances    Kind = "balances"
	KindTotalSupply Kind = "total_supply"
)

// NativeToken is the token discriminator for the chain's native currency
const NativeToken = "native"

// RowShape selects how coverage rows are persisted for a key
type RowShape int

const (
	// ShapeRanges stores one row per covered range
	ShapeRanges RowShape = iota
	// ShapePoints stores one row per covered block
	ShapePoints
)

func (s RowShape) String() string {
	if s == ShapePoints {
		return "points"
	}

	return "ranges"
}

const separator = ":"

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	topicPattern   = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	networkPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// Key identifies one cached dataset. Only the discriminators relevant to Kind are set.
type Key struct {
	Kind     Kind
	Network  string
	Contract string
	Topic    string
	Token    string
	Holder   string
}

// Events builds the key for logs emitted by contract with topic0 topic
func Events(network, contract, topic string) Key {
	return Key{
		Kind:     KindEvents,
		Network:  strings.ToLower(network),
		Contract: strings.ToLower(contract),
		Topic:    strings.ToLower(topic),
	}
}

// Timestamps builds the key for block timestamps of a network
func Timestamps(network string) Key {
	return Key{Kind: KindTimestamps, Network: strings.ToLower(network)}
}

// Balances builds the key for the balance of holder in token
func Balances(network, token, holder string) Key {
	return Key{
		Kind:    KindBalances,
		Network: strings.ToLower(network),
		Token:   strings.ToLower(token),
		Holder:  strings.ToLower(holder),
	}
}

// TotalSupply builds the key for the total supply of token
func TotalSupply(network, token string) Key {
	return Key{Kind: KindTotalSupply, Network: strings.ToLower(network), Token: strings.ToLower(token)}
}

// Validate checks that the key carries exactly the discriminators its kind needs
func (k Key) Validate() error {
	if !networkPattern.MatchString(k.Network) {
		return fmt.Errorf("%w: network %q", ErrInvalidKey, k.Network)
	}

	switch k.Kind {
	case KindEvents:
		if !addressPattern.MatchString(k.Contract) {
			return fmt.Errorf("%w: contract %q", ErrInvalidKey, k.Contract)
		}
		if !topicPattern.MatchString(k.Topic) {
			return fmt.Errorf("%w: topic %q", ErrInvalidKey, k.Topic)
		}
	case KindTimestamps:
	case KindBalances:
		if err := validateToken(k.Token); err != nil {
			return err
		}
		if !addressPattern.MatchString(k.Holder) {
			return fmt.Errorf("%w: holder %q", ErrInvalidKey, k.Holder)
		}
	case KindTotalSupply:
		if k.Token == NativeToken {
			return fmt.Errorf("%w: total supply requires a token contract", ErrInvalidKey)
		}
		if err := validateToken(k.Token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}

	return nil
}

func validateToken(token string) error {
	if token == NativeToken || addressPattern.MatchString(token) {
		return nil
	}

	return fmt.Errorf("%w: token %q", ErrInvalidKey, token)
}

// String returns the canonical serialization, stable across processes
func (k Key) String() string {
	parts := []string{string(k.Kind), k.Network}

	switch k.Kind {
	case KindEvents:
		parts = append(parts, k.Contract, k.Topic)
	case KindBalances:
		parts = append(parts, k.Token, k.Holder)
	case KindTotalSupply:
		parts = append(parts, k.Token)
	case KindTimestamps:
	}

	return strings.Join(parts, separator)
}

// Namespace returns the cache-key class whose schema version governs this key
func (k Key) Namespace() string {
	return string(k.Kind)
}

// RowShape returns the coverage row layout used for this key
func (k Key) RowShape() RowShape {
	return ShapeFor(k.Namespace())
}

// ShapeFor returns the coverage row layout used by every key in namespace
func ShapeFor(namespace string) RowShape {
	if Kind(namespace) == KindEvents {
		return ShapeRanges
	}

	return ShapePoints
}

// Parse reverses String
func Parse(s string) (Key, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), separator)
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	want := map[Kind]int{
		KindEvents:      4,
		KindTimestamps:  2,
		KindBalances:    4,
		KindTotalSupply: 3,
	}

	kind := Kind(parts[0])

	n, ok := want[kind]
	if !ok {
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, parts[0])
	}

	if len(parts) != n {
		return Key{}, fmt.Errorf("%w: %s key needs %d segments, got %d", ErrInvalidKey, kind, n, len(parts))
	}

	var k Key

	switch kind {
	case KindEvents:
		k = Events(parts[1], parts[2], parts[3])
	case KindTimestamps:
		k = Timestamps(parts[1])
	case KindBalances:
		k = Balances(parts[1], parts[2], parts[3])
	case KindTotalSupply:
		k = TotalSupply(parts[1], parts[2])
	}

	if err := k.Validate(); err != nil {
		return Key{}, err
	}

	return k, nil
}

// NamespacePrefix returns the serialized prefix shared by every key in namespace
func NamespacePrefix(namespace string) string {
	return namespace + separator
}
