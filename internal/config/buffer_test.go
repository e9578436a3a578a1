package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBufferSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"8192", 8192},
		{"  8192  ", 8192},
		{"1", 1},
		{"3072K", 3 << 20},
		{"3M", 3 << 20},
		{"3mb", 3 << 20},
		{"16KB", 16 << 10},
		{"2G", 2 << 30},
		{"0x2000", 0x2000},
		{"0o20", 0o20},
		{"0b1010", 10},
		{"0x1b", 0x1B},
		{"0x1kb", 1 << 10},
		{"4294967295", 1<<32 - 1},
	}
	for _, c := range cases {
		got, err := ParseBufferSize(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseBufferSizeErrors(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"", ErrBufferSizeEmpty},
		{"   ", ErrBufferSizeEmpty},
		{"0", ErrBufferSizeZero},
		{"0K", ErrBufferSizeZero},
		{"4G", ErrBufferSizeTooLarge},
		{"4294967296", ErrBufferSizeTooLarge},
		{"5000000K", ErrBufferSizeTooLarge},
		{"1.5M", ErrBufferSizeInvalid},
		{"-1", ErrBufferSizeInvalid},
		{"wat", ErrBufferSizeInvalid},
	}
	for _, c := range cases {
		_, err := ParseBufferSize(c.in)
		assert.ErrorIs(t, err, c.want, c.in)
	}
}
