/*
Copyright 2026 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keyhash derives stable, comparable cache keys from argument
// tuples.
//
// Scalars hash by value, byte slices and protobuf messages by content,
// and structs and arrays of such values field by field. Reference values
// (pointers, maps, channels) hash by identity: Acquire assigns each
// reference the next integer id and keeps it for as long as a Hold on it
// is outstanding, so the same reference always yields the same key while
// a record uses it and two distinct references never share one. Key
// assigns nothing; a reference without an id derives a provisional
// segment that matches no held key.
//
// Values with no hashing rule (funcs, slices other than []byte, complex
// numbers, structs holding references) are rejected with ErrUnhashable
// rather than risk colliding keys. Pass such values by pointer, or give
// them a CacheKey method.
package keyhash // import "github.com/vimeo/warehouse/keyhash"

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"
	"unsafe"

	"github.com/zeebo/xxh3"
	"google.golang.org/protobuf/proto"
)

// Sentinel hashes. None of them is produced by Number for a finite
// value in normal use.
const (
	HashFalse     int32 = 0x42108420
	HashTrue      int32 = 0x42108421
	HashNull      int32 = 0x42108422
	HashUndefined int32 = 0x42108423
)

// Separator joins the per-argument segments of a key. Segments are a
// one-letter kind followed by a decimal hash, so it never appears
// inside one.
const Separator = "/"

const maxIdentity = 0x40000000

// ErrUnhashable is returned for arguments of a type with no hashing rule.
var ErrUnhashable = errors.New("keyhash: value cannot be hashed")

type undefined struct{}

// Undefined stands for an explicitly absent argument. It hashes to
// HashUndefined, distinct from nil.
var Undefined = undefined{}

// Keyer is implemented by argument types that supply their own cache
// key. The returned string is hashed like any other string.
type Keyer interface {
	CacheKey() string
}

// segment kinds keep e.g. the string "a" (97) and the number 97 apart.
const (
	kindSentinel = 'v'
	kindNumber   = 'n'
	kindString   = 's'
	kindBytes    = 'b'
	kindProto    = 'p'
	kindKeyer    = 'k'
	kindStruct   = 'c'
	kindIdentity = 'o'
	kindUnbound  = 'u'
)

type identity struct {
	typ reflect.Type
	ptr unsafe.Pointer
}

type assigned struct {
	id   int32
	refs int
}

// Hasher hashes values. Identity ids are per Hasher and live only as
// long as some Hold references them; the Hasher keeps a reference
// reachable exactly that long. A Hasher is safe for concurrent use.
type Hasher struct {
	mu   sync.Mutex
	ids  map[identity]*assigned
	live map[int32]struct{} // ids in use, skipped when the counter wraps
	next int32
}

// A Hold keeps the identity ids used by one acquired key assigned. The
// zero Hold holds nothing.
type Hold struct {
	refs []identity
}

// New returns an empty Hasher.
func New() *Hasher {
	return &Hasher{
		ids:  make(map[identity]*assigned),
		live: make(map[int32]struct{}),
	}
}

// Hash returns the 31-bit hash of v. A reference hashes to its id while
// one is assigned, and to a hash of its address otherwise.
func (h *Hasher) Hash(v any) (int32, error) {
	_, sum, err := h.hash(nil, v)
	return sum, err
}

// Key derives the key of an argument tuple without assigning any ids.
// An empty tuple takes the identity of self instead, so zero-argument
// queries still get a key that is distinct per owner.
func (h *Hasher) Key(self any, args ...any) (string, error) {
	return h.derive(nil, self, args)
}

// Acquire derives the key of an argument tuple like Key, assigning ids
// to its references and holding them until Release. Every Hold must be
// released exactly once.
func (h *Hasher) Acquire(self any, args ...any) (string, Hold, error) {
	var hold Hold
	key, err := h.derive(&hold, self, args)
	if err != nil {
		h.Release(hold)
		return "", Hold{}, err
	}
	return key, hold, nil
}

// Release drops hold. References no other Hold uses lose their ids and
// get fresh ones when next acquired.
func (h *Hasher) Release(hold Hold) {
	if len(hold.refs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range hold.refs {
		a, ok := h.ids[id]
		if !ok {
			continue
		}
		a.refs--
		if a.refs <= 0 {
			delete(h.ids, id)
			delete(h.live, a.id)
		}
	}
}

// Identities returns the number of references that currently hold ids.
func (h *Hasher) Identities() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

func (h *Hasher) derive(hold *Hold, self any, args []any) (string, error) {
	if len(args) == 0 {
		kind, sum, err := h.hash(hold, self)
		if err != nil {
			return "", fmt.Errorf("key owner: %w", err)
		}
		return segment(kind, sum), nil
	}
	var b strings.Builder
	for i, arg := range args {
		kind, sum, err := h.hash(hold, arg)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(segment(kind, sum))
	}
	return b.String(), nil
}

func segment(kind byte, sum int32) string {
	return string(kind) + strconv.FormatInt(int64(sum), 10)
}

func (h *Hasher) hash(hold *Hold, v any) (byte, int32, error) {
	switch x := v.(type) {
	case nil:
		return kindSentinel, HashNull, nil
	case undefined:
		return kindSentinel, HashUndefined, nil
	case bool:
		return kindSentinel, Bool(x), nil
	case string:
		return kindString, String(x), nil
	case []byte:
		return kindBytes, Bytes(x), nil
	case Keyer:
		return kindKeyer, String(x.CacheKey()), nil
	case proto.Message:
		sum, err := Proto(x)
		return kindProto, sum, err
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return kindSentinel, Bool(rv.Bool()), nil
	case reflect.String:
		return kindString, String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return kindNumber, Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return kindNumber, Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return kindNumber, Number(rv.Float()), nil
	case reflect.Pointer, reflect.Chan, reflect.Map, reflect.UnsafePointer:
		if rv.IsNil() {
			return kindSentinel, HashNull, nil
		}
		kind, sum := h.identity(hold, identity{typ: rv.Type(), ptr: rv.UnsafePointer()})
		return kind, sum, nil
	case reflect.Struct, reflect.Array:
		sum, err := composite(rv)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %T: %v", ErrUnhashable, v, err)
		}
		return kindStruct, sum, nil
	}
	return 0, 0, fmt.Errorf("%w: %T", ErrUnhashable, v)
}

// identity returns the id of a reference, assigning and holding one when
// hold is non-nil.
func (h *Hasher) identity(hold *Hold, id identity) (byte, int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.ids[id]
	if hold == nil {
		if ok {
			return kindIdentity, a.id
		}
		return kindUnbound, fold(xxh3.HashString(id.typ.String()) ^ uint64(uintptr(id.ptr)))
	}
	if !ok {
		a = &assigned{id: h.nextID()}
		if h.ids == nil {
			h.ids = make(map[identity]*assigned)
			h.live = make(map[int32]struct{})
		}
		h.ids[id] = a
		h.live[a.id] = struct{}{}
	}
	a.refs++
	hold.refs = append(hold.refs, id)
	return kindIdentity, a.id
}

func (h *Hasher) nextID() int32 {
	for {
		h.next++
		sum := h.next
		if h.next&maxIdentity != 0 {
			h.next = 0
		}
		if _, taken := h.live[sum]; !taken {
			return sum
		}
	}
}

// composite hashes the fields of a struct, or the elements of an array,
// in order, seeded with the type so equal values of different types
// differ. Only value kinds are accepted.
func composite(rv reflect.Value) (int32, error) {
	h := fold(xxh3.HashString(rv.Type().String()))
	n := rv.Len
	if rv.Kind() == reflect.Struct {
		n = rv.NumField
	}
	for i := 0; i < n(); i++ {
		var f reflect.Value
		if rv.Kind() == reflect.Struct {
			f = rv.Field(i)
		} else {
			f = rv.Index(i)
		}
		var sum int32
		switch f.Kind() {
		case reflect.Bool:
			sum = Bool(f.Bool())
		case reflect.String:
			sum = String(f.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			sum = Number(float64(f.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			sum = Number(float64(f.Uint()))
		case reflect.Float32, reflect.Float64:
			sum = Number(f.Float())
		case reflect.Struct, reflect.Array:
			var err error
			if sum, err = composite(f); err != nil {
				return 0, err
			}
		default:
			return 0, fmt.Errorf("element %d of kind %s", i, f.Kind())
		}
		h = 31*h + sum
	}
	return smi(h), nil
}

// Bool hashes a boolean to its sentinel.
func Bool(b bool) int32 {
	if b {
		return HashTrue
	}
	return HashFalse
}

// Number compresses an arbitrary float into a 31-bit hash. Values that
// fit an int32 hash to themselves (modulo the smi bit fold); NaN and
// the infinities hash to 0. Integers wider than 53 bits are hashed
// through their float64 approximation.
func Number(n float64) int32 {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	h := toInt32(n)
	if float64(h) != n {
		h ^= toInt32(n * 0xffffffff)
	}
	for n > 0xffffffff {
		n /= 0xffffffff
		h ^= toInt32(n)
	}
	return smi(h)
}

// String is the JVM string hash, s[0]*31^(n-1) + ... + s[n-1] over
// UTF-16 code units, truncated to 32 bits. Bytes that are not valid
// UTF-8 each count as the lone surrogate 0xDC00|b, so distinct invalid
// strings do not all collapse to U+FFFD.
func String(s string) int32 {
	var h int32
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				h = 31*h + (0xdc00 | int32(s[i]))
				continue
			}
		}
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			h = 31*h + hi
			h = 31*h + lo
			continue
		}
		h = 31*h + r
	}
	return smi(h)
}

// Bytes hashes the content of b.
func Bytes(b []byte) int32 {
	return fold(xxh3.Hash(b))
}

// Proto hashes the deterministic wire encoding of m together with its
// message name.
func Proto(m proto.Message) (int32, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("keyhash: marshal %T: %w", m, err)
	}
	d := xxh3.New()
	d.WriteString(string(m.ProtoReflect().Descriptor().FullName()))
	d.Write(data)
	return fold(d.Sum64()), nil
}

func fold(x uint64) int32 {
	return smi(int32(uint32(x ^ x>>32)))
}

// toInt32 truncates like a JavaScript ToInt32: modulo 2^32, then
// reinterpreted as signed.
func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return int32(uint32(m))
}

// smi drops the second-highest bit while keeping the sign bit, leaving
// a 31-bit signed value.
func smi(i int32) int32 {
	u := uint32(i)
	return int32(((u >> 1) & 0x40000000) | (u & 0xbfffffff))
}
