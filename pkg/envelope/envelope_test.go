package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func newEnvelope(source string, class Class, ts time.Time, payload string) *Envelope {
	return &Envelope{
		SourceID:      source,
		Class:         class,
		TimestampNS:   ts.UnixNano(),
		SchemaVersion: SchemaVersion,
		Payload:       json.RawMessage(payload),
	}
}

func TestComputeEventIDIgnoresSignatureAndID(t *testing.T) {
	e := newEnvelope("host-a", ClassAuth, time.Now(), `{"subtype":"sudo","user":"root"}`)
	id1, err := ComputeEventID(e)
	require.NoError(t, err)

	e.EventID = "something-else"
	e.Signature = "deadbeef"
	id2, err := ComputeEventID(e)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestComputeEventIDCanonicalizesPayload(t *testing.T) {
	ts := time.Unix(1700000000, 42)
	a := newEnvelope("host-a", ClassAuth, ts, `{"a": 1, "b": "x"}`)
	b := newEnvelope("host-a", ClassAuth, ts, `{"b":"x","a":1}`)
	idA, err := ComputeEventID(a)
	require.NoError(t, err)
	idB, err := ComputeEventID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "key order and whitespace must not change identity")
}

func TestComputeEventIDRejectsInvalidPayload(t *testing.T) {
	e := newEnvelope("host-a", ClassAuth, time.Now(), `{"subtype":`)
	_, err := ComputeEventID(e)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestSignThenVerify(t *testing.T) {
	pub, priv := testKeypair(t)
	reg, err := NewRegistry(map[string]string{"host-a": fmt.Sprintf("%x", pub)})
	require.NoError(t, err)
	now := time.Now()
	v := NewVerifier(reg, nil).WithClock(func() time.Time { return now })

	e := newEnvelope("host-a", ClassAuth, now, `{"subtype":"sudo","user":"root"}`)
	require.NoError(t, Sign(e, priv))
	require.NotEmpty(t, e.EventID)
	require.NotEmpty(t, e.Signature)
	assert.NoError(t, v.Verify(e))
}

func TestVerifyFailures(t *testing.T) {
	pub, priv := testKeypair(t)
	_, otherPriv := testKeypair(t)
	reg, err := NewRegistry(map[string]string{"host-a": fmt.Sprintf("%x", pub)})
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	v := NewVerifier(reg, nil).WithClock(func() time.Time { return now })

	sign := func(mut func(*Envelope), key ed25519.PrivateKey) *Envelope {
		e := newEnvelope("host-a", ClassAuth, now, `{"subtype":"sudo"}`)
		require.NoError(t, Sign(e, key))
		if mut != nil {
			mut(e)
		}
		return e
	}

	t.Run("tampered payload", func(t *testing.T) {
		e := sign(func(e *Envelope) { e.Payload = json.RawMessage(`{"subtype":"ssh_login"}`) }, priv)
		assert.ErrorIs(t, v.Verify(e), ErrSchema)
	})
	t.Run("forged event id", func(t *testing.T) {
		e := sign(func(e *Envelope) { e.EventID = "0000" }, priv)
		assert.ErrorIs(t, v.Verify(e), ErrSchema)
	})
	t.Run("wrong key", func(t *testing.T) {
		e := sign(nil, otherPriv)
		assert.ErrorIs(t, v.Verify(e), ErrBadSig)
	})
	t.Run("missing signature", func(t *testing.T) {
		e := sign(func(e *Envelope) { e.Signature = "" }, priv)
		assert.ErrorIs(t, v.Verify(e), ErrBadSig)
	})
	t.Run("unknown source", func(t *testing.T) {
		e := newEnvelope("host-z", ClassAuth, now, `{"subtype":"sudo"}`)
		require.NoError(t, Sign(e, priv))
		assert.ErrorIs(t, v.Verify(e), ErrUnknownSource)
	})
	t.Run("bad schema version", func(t *testing.T) {
		e := sign(func(e *Envelope) { e.SchemaVersion = 2 }, priv)
		assert.ErrorIs(t, v.Verify(e), ErrSchema)
	})
	t.Run("bad class", func(t *testing.T) {
		e := sign(func(e *Envelope) { e.Class = "BOGUS" }, priv)
		assert.ErrorIs(t, v.Verify(e), ErrSchema)
	})
}

func TestVerifyAdmissionWindowBounds(t *testing.T) {
	pub, priv := testKeypair(t)
	reg, err := NewRegistry(map[string]string{"host-a": fmt.Sprintf("%x", pub)})
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	v := NewVerifier(reg, nil).WithClock(func() time.Time { return now })

	cases := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"exactly max age", now.Add(-MaxAge), true},
		{"one ns too old", now.Add(-MaxAge).Add(-time.Nanosecond), false},
		{"exactly max future", now.Add(MaxFuture), true},
		{"one ns too far ahead", now.Add(MaxFuture).Add(time.Nanosecond), false},
		{"now", now, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnvelope("host-a", ClassAuth, tc.ts, `{"subtype":"sudo"}`)
			require.NoError(t, Sign(e, priv))
			err := v.Verify(e)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrClockSkew)
			}
		})
	}
}

func TestSchemaSetValidate(t *testing.T) {
	dir := t.TempDir()
	schema := `{
		"type": "object",
		"required": ["subtype", "device_id"],
		"properties": {
			"subtype": {"type": "string"},
			"device_id": {"type": "string"}
		}
	}`
	require.NoError(t, writeFile(t, dir, "auth.json", schema))
	set, err := LoadSchemaSet(dir)
	require.NoError(t, err)

	assert.NoError(t, set.Validate(ClassAuth, json.RawMessage(`{"subtype":"sudo","device_id":"d1"}`)))
	assert.ErrorIs(t, set.Validate(ClassAuth, json.RawMessage(`{"subtype":"sudo"}`)), ErrSchema)
	// Classes without a registered schema pass unchecked.
	assert.NoError(t, set.Validate(ClassFlow, json.RawMessage(`{"whatever":true}`)))
}

func writeFile(t *testing.T, dir, name, content string) error {
	t.Helper()
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

func TestEventIDProperties(t *testing.T) {
	_, priv := testKeypair(t)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genClass := gen.OneConstOf(ClassAuth, ClassPersistence, ClassFlow, ClassProcess, ClassOther)
	genPayload := gen.MapOf(gen.Identifier(), gen.AlphaString()).Map(func(m map[string]string) string {
		b, _ := json.Marshal(m)
		return string(b)
	})

	properties.Property("event id is deterministic and signing round-trips", prop.ForAll(
		func(source string, class Class, tsNS int64, payload string) bool {
			e := newEnvelope(source, class, time.Unix(0, tsNS), payload)
			id1, err := ComputeEventID(e)
			if err != nil {
				return false
			}
			if err := Sign(e, priv); err != nil {
				return false
			}
			// Signing must stamp exactly the content id and stay verifiable.
			ok, err := verifySignature(e, priv.Public().(ed25519.PublicKey))
			if err != nil || !ok {
				return false
			}
			id2, err := ComputeEventID(e)
			return err == nil && id1 == id2 && e.EventID == id1
		},
		gen.Identifier(), genClass, gen.Int64Range(0, 1<<50), genPayload,
	))
	properties.TestingRun(t)
}
