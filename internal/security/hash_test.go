package security

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestHashContent(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashContent(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", HashContent([]byte("hello")))
}

func TestProperty_HashContentDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same bytes always hash to the same digest", prop.ForAll(
		func(data []byte) bool {
			first := HashContent(data)
			copied := append([]byte(nil), data...)
			return first == HashContent(data) && first == HashContent(copied) && len(first) == 64
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
