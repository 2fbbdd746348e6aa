package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "你好世…", truncate("你好世界啊", 4))
	assert.Equal(t, "abcd", truncate("abcd", 4))
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "sign", "sessions", "token", "setup"} {
		assert.Contains(t, names, want)
	}
}
