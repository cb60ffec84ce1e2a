package tools

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PPRT_T_STR", "v")
	t.Setenv("PPRT_T_INT", "12")
	t.Setenv("PPRT_T_BADINT", "x")
	t.Setenv("PPRT_T_BOOL", "Yes")

	assert.Equal(t, "v", GetEnv("PPRT_T_STR", "d"))
	assert.Equal(t, "d", GetEnv("PPRT_T_UNSET", "d"))
	assert.Equal(t, 12, GetEnvInt("PPRT_T_INT", 1))
	assert.Equal(t, 1, GetEnvInt("PPRT_T_BADINT", 1))
	assert.True(t, GetEnvBool("PPRT_T_BOOL", false))
	assert.True(t, GetEnvBool("PPRT_T_UNSET", true))
}

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	assert.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
