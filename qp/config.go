package qp

import (
	"fmt"

	"github.com/rocketbitz/hcaqp-go/hw"
)

// Config holds the device capabilities the Manager is created with. Zero
// fields take the defaults applied by New; the resolved values are fixed for
// the lifetime of the Manager.
type Config struct {
	// Log2MaxQP is log2 of the QP index space.
	Log2MaxQP uint8
	// ReservedQPs is the number of low indices owned by firmware.
	ReservedQPs uint32
	// MaxRegularQPs caps the regular registry below the index space size.
	MaxRegularQPs uint32
	NumPorts      uint8

	MaxWR         uint32
	MaxSGE        uint32
	MaxInlineData uint32

	// Log2MaxRdAtomicTarget bounds MaxDestRdAtomic.
	Log2MaxRdAtomicTarget uint8
	// Log2MaxRdAtomicInitiator bounds MaxRdAtomic.
	Log2MaxRdAtomicInitiator uint8

	// MaxMTU is the hardware maximum path MTU, used for UD and MLX QPs.
	MaxMTU   MTU
	PageSize uint64

	PkeyTableLen uint16
	GIDTableLen  uint16
	// PortActivationAtOpen disables port activation from special QP
	// transitions when ports were brought up device-wide at open time.
	PortActivationAtOpen bool
	PortProps            hw.PortProps

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

const (
	defaultLog2MaxQP     = 16
	defaultReservedQPs   = 16
	defaultNumPorts      = 2
	defaultMaxWR         = 16384
	defaultMaxSGE        = 32
	defaultMaxInline     = 512
	defaultLog2RdAtomic  = 3
	defaultPageSize      = 4096
	defaultPkeyTableLen  = 64
	defaultGIDTableLen   = 32
	qpnMask              = 0xFFFFFF
	multicastQPN         = 0xFFFFFF
	maxLog2MaxQP         = 24
	specialTypesPerPort  = 2
	maxSupportedNumPorts = 2
)

func (c Config) withDefaults() Config {
	if c.Log2MaxQP == 0 {
		c.Log2MaxQP = defaultLog2MaxQP
	}
	if c.ReservedQPs == 0 {
		c.ReservedQPs = defaultReservedQPs
	}
	if c.NumPorts == 0 {
		c.NumPorts = defaultNumPorts
	}
	if c.MaxWR == 0 {
		c.MaxWR = defaultMaxWR
	}
	if c.MaxSGE == 0 {
		c.MaxSGE = defaultMaxSGE
	}
	if c.MaxInlineData == 0 {
		c.MaxInlineData = defaultMaxInline
	}
	if c.Log2MaxRdAtomicTarget == 0 {
		c.Log2MaxRdAtomicTarget = defaultLog2RdAtomic
	}
	if c.Log2MaxRdAtomicInitiator == 0 {
		c.Log2MaxRdAtomicInitiator = defaultLog2RdAtomic
	}
	if c.MaxMTU == 0 {
		c.MaxMTU = MTU2048
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.PkeyTableLen == 0 {
		c.PkeyTableLen = defaultPkeyTableLen
	}
	if c.GIDTableLen == 0 {
		c.GIDTableLen = defaultGIDTableLen
	}
	if c.PortProps.MaxMTU == 0 {
		c.PortProps.MaxMTU = uint8(c.MaxMTU)
	}
	if c.PortProps.MaxPkey == 0 {
		c.PortProps.MaxPkey = c.PkeyTableLen
	}
	if c.PortProps.MaxGID == 0 {
		c.PortProps.MaxGID = c.GIDTableLen
	}
	if c.StructuredLogger == nil {
		if logger, ok := c.Logger.(StructuredLogger); ok {
			c.StructuredLogger = logger
		}
	}
	return c
}

func (c Config) validate() error {
	if c.Log2MaxQP > maxLog2MaxQP {
		return InvalidParam.WithOp(fmt.Sprintf("config: log2 max QP %d exceeds %d", c.Log2MaxQP, maxLog2MaxQP))
	}
	if c.NumPorts > maxSupportedNumPorts {
		return InvalidParam.WithOp(fmt.Sprintf("config: %d ports exceeds %d", c.NumPorts, maxSupportedNumPorts))
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return InvalidParam.WithOp(fmt.Sprintf("config: page size %d is not a power of two", c.PageSize))
	}
	if c.MaxMTU.Bytes() == 0 {
		return InvalidParam.WithOp(fmt.Sprintf("config: illegal max MTU code %d", c.MaxMTU))
	}
	if c.Log2MaxRdAtomicTarget > 7 || c.Log2MaxRdAtomicInitiator > 7 {
		return InvalidParam.WithOp("config: outstanding read/atomic limits exceed 128")
	}
	if c.firstRegular() >= c.indexSpace() {
		return InvalidParam.WithOp(fmt.Sprintf("config: reserved and special QPs (%d) fill the index space (%d)", c.firstRegular(), c.indexSpace()))
	}
	return nil
}

func (c Config) indexSpace() uint32 {
	return 1 << c.Log2MaxQP
}

func (c Config) idxMask() uint32 {
	return c.indexSpace() - 1
}

func (c Config) firstSpecial() uint32 {
	return c.ReservedQPs
}

func (c Config) firstRegular() uint32 {
	return c.firstSpecial() + specialTypesPerPort*uint32(c.NumPorts)
}

func (c Config) regularCapacity() int {
	capacity := c.indexSpace() - c.firstRegular()
	if c.MaxRegularQPs != 0 && c.MaxRegularQPs < capacity {
		capacity = c.MaxRegularQPs
	}
	return int(capacity)
}
