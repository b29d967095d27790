// Package probe is the declarative probe-selection factory (spec.md §6):
// it dispatches the identifiers a saved session or CLI flag names —
// "jlink", "openocd", "keil", "dap", "dap-shared" — to the concrete driver
// constructors in the probe/<vendor> subpackages, each of which implements
// link.Link.
package probe

import (
	"fmt"
	"time"

	"github.com/moment-NEW/rttbridge/internal/link"
	"github.com/moment-NEW/rttbridge/internal/linkerr"
	"github.com/moment-NEW/rttbridge/internal/probe/dap"
	"github.com/moment-NEW/rttbridge/internal/probe/jlink"
	"github.com/moment-NEW/rttbridge/internal/probe/keil"
	"github.com/moment-NEW/rttbridge/internal/probe/openocd"
)

// Kind is the declarative probe identifier persisted in session.yaml and
// accepted by the CLI's --probe flag.
type Kind string

const (
	KindJLink     Kind = "jlink"
	KindOpenOCD   Kind = "openocd"
	KindKeil      Kind = "keil"
	KindDAP       Kind = "dap"
	KindDAPShared Kind = "dap-shared"
)

// Config bundles everything a single Open call might need. Only the fields
// relevant to Kind are consulted; external collaborators (the vendor DLL,
// the uVision automation object, the CMSIS-DAP USB transport) are injected
// by the caller since they're platform-specific and outside this repo's
// scope (spec.md §1 — they're modeled behind small interfaces, not
// implemented here).
type Config struct {
	Kind Kind

	// JLink
	JLinkDLL   jlink.DLL
	Interface  jlink.InterfaceMode
	Core       jlink.Core
	SpeedKHz   int

	// OpenOCD
	OpenOCDAddr    string
	OpenOCDTimeout time.Duration

	// Keil
	KeilAutomation keil.Automation

	// DAP / DAP-shared
	DAPImpl    dap.ProbeImpl
	DAPProduct string
	DAPUID     string
	DAPProto   dap.Protocol
	DAPSpeedHz int
}

// Open constructs the Link named by cfg.Kind.
func Open(cfg Config) (link.Link, error) {
	switch cfg.Kind {
	case KindJLink:
		if cfg.JLinkDLL == nil {
			return nil, linkerr.New(linkerr.KindTransport, "jlink: no DLL supplied", nil)
		}
		return jlink.Open(cfg.JLinkDLL, cfg.Interface, cfg.Core, cfg.SpeedKHz)

	case KindOpenOCD:
		timeout := cfg.OpenOCDTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		addr := cfg.OpenOCDAddr
		if addr == "" {
			addr = "127.0.0.1:6666"
		}
		return openocd.Dial(addr, timeout)

	case KindKeil:
		if cfg.KeilAutomation == nil {
			return nil, linkerr.New(linkerr.KindTransport, "keil: no automation object supplied", nil)
		}
		return keil.Attach(cfg.KeilAutomation), nil

	case KindDAP:
		if cfg.DAPImpl == nil {
			return nil, linkerr.New(linkerr.KindTransport, "dap: no probe transport supplied", nil)
		}
		probe := dap.NewProbe(cfg.DAPProduct, cfg.DAPUID, cfg.DAPImpl)
		proto := cfg.DAPProto
		if proto == "" {
			proto = dap.ProtocolSWD
		}
		return dap.OpenOwned(probe, proto, cfg.DAPSpeedHz)

	case KindDAPShared:
		if cfg.DAPImpl == nil {
			return nil, linkerr.New(linkerr.KindTransport, "dap-shared: no probe transport supplied", nil)
		}
		probe := dap.NewProbe(cfg.DAPProduct, cfg.DAPUID, cfg.DAPImpl)
		return dap.OpenShared(probe, cfg.DAPSpeedHz)

	default:
		return nil, linkerr.New(linkerr.KindUnsupported, fmt.Sprintf("unknown probe kind %q", cfg.Kind), nil)
	}
}

// IsShared reports whether kind drives the DAP Arbitrator's shared mode —
// relevant to the Poll Scheduler's tick-rate reduction (spec.md §4.G).
func (k Kind) IsShared() bool {
	return k == KindDAPShared
}
