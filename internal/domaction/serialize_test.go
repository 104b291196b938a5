package domaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeNode struct{ name string }

func (f fakeNode) NodeName() string                { return f.name }
func (f fakeNode) NodeDescriptor() map[string]any   { return map[string]any{"id": "x"} }

func TestSerializeValuePrimitives(t *testing.T) {
	assert.Equal(t, "hello", SerializeValue("hello"))
	assert.Equal(t, true, SerializeValue(true))
	assert.Equal(t, 42, SerializeValue(42))
}

func TestSerializeValueCapsArrayAndObjectSize(t *testing.T) {
	arr := make([]any, 150)
	for i := range arr {
		arr[i] = i
	}
	out := SerializeValue(arr).([]any)
	assert.Len(t, out, MaxSerializeArrayItems)

	m := make(map[string]any, 80)
	for i := 0; i < 80; i++ {
		m[string(rune('a'+i%26))+string(rune(i))] = i
	}
	outM := SerializeValue(m).(map[string]any)
	assert.LessOrEqual(t, len(outM), MaxSerializeObjectKeys)
}

func TestSerializeValueDetectsCircularReference(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	out := SerializeValue(m).(map[string]any)
	assert.Equal(t, "[circular]", out["self"])
}

func TestSerializeValueNormalizesDateRegExpError(t *testing.T) {
	d := SerializeValue(jsDate{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}).(map[string]any)
	assert.Equal(t, "Date", d["__type"])

	r := SerializeValue(jsRegExp{Source: "a+", Flags: "g"}).(map[string]any)
	assert.Equal(t, "RegExp", r["__type"])

	e := SerializeValue(jsError{Name: "TypeError", Message: "boom"}).(map[string]any)
	assert.Equal(t, "Error", e["__type"])
}

func TestSerializeValueDuckTypesDOMNode(t *testing.T) {
	out := SerializeValue(fakeNode{name: "DIV"}).(map[string]any)
	assert.Equal(t, "DOMNode", out["__type"])
	assert.Equal(t, "DIV", out["nodeName"])
}

func TestSerializeValueRespectsMaxDepth(t *testing.T) {
	var nested any = 1
	for i := 0; i < MaxSerializeDepth+5; i++ {
		nested = map[string]any{"next": nested}
	}
	out := SerializeValue(nested)
	assert.NotNil(t, out)
}

type fakeAwaiter struct{ resolved any }

func (f fakeAwaiter) Await() (any, error) { return f.resolved, nil }

func TestResolveAwaitableAwaitsPromiseLikeValues(t *testing.T) {
	v, err := ResolveAwaitable(fakeAwaiter{resolved: 7})
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal(7, v)

	v2, err2 := ResolveAwaitable(42)
	assert.NoError(err2)
	assert.Equal(42, v2)
}
