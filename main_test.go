package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"wsdrop/models"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1023 B", formatBytes(1023))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "146.5 KiB", formatBytes(150000))
	assert.Equal(t, "500.0 MiB", formatBytes(500*1024*1024))
}

func TestConfirmOffer(t *testing.T) {
	offer := models.Offer{Filename: "a.txt", From: "alice", Size: 10}

	var out bytes.Buffer
	assert.True(t, confirmOffer(&out, bufio.NewReader(strings.NewReader("y\n")), offer))
	assert.Contains(t, out.String(), "accept a.txt (10 B) from alice?")

	assert.True(t, confirmOffer(&out, bufio.NewReader(strings.NewReader("YES\n")), offer))
	assert.False(t, confirmOffer(&out, bufio.NewReader(strings.NewReader("\n")), offer))
	assert.False(t, confirmOffer(&out, bufio.NewReader(strings.NewReader("")), offer))
}

func TestRunArgumentHandling(t *testing.T) {
	t.Setenv("WSDROP_DATA_DIR", t.TempDir())

	assert.Equal(t, 2, run(nil))
	assert.Equal(t, 0, run([]string{"help"}))
	assert.Equal(t, 2, run([]string{"teleport"}))
	assert.Equal(t, 2, run([]string{"send", "bob"}))
	assert.Equal(t, 0, run([]string{"history"}))
	assert.Equal(t, 0, run([]string{"history", "-h"}))
}
