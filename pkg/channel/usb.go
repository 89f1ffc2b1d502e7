package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sys/unix"

	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// USB vendor/product IDs for devices in Emergency Download mode. PID 0x9008
// is the standard EDL PID; 0x900e is Ramdump mode.
const (
	usbVendorQualcomm = 0x05c6
)

var usbProductIDs = []gousb.ID{0x9008, 0x900e}

// interfaceProtocols lists the bInterfaceProtocol values accepted for the
// Sahara/Firehose control interface, alongside class/subclass 0xFF/0xFF.
var interfaceProtocols = []gousb.Protocol{0x10, 0x11, 0xFF}

// USBChannel is a Channel backed by a USB bulk in/out endpoint pair.
type USBChannel struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	ra     *readAhead
	fhConf Config
}

// OpenUSB finds the first device matching the Qualcomm EDL/Ramdump VID/PID,
// optionally filtered by the serial-number suffix embedded in the USB
// product string after "_SN:", claims its Sahara/Firehose interface, and
// returns a Channel backed by its bulk endpoints.
func OpenUSB(serialNo string) (*USBChannel, error) {
	ctx := gousb.NewContext()

	var matchErr error
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != usbVendorQualcomm {
			return false
		}
		for _, pid := range usbProductIDs {
			if desc.Product == pid {
				return true
			}
		}
		return false
	})
	if err != nil {
		ctx.Close()
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "enumerating USB devices", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, qdlerr.New(qdlerr.KindTransportDisconnected, "no EDL/Ramdump devices found")
	}

	var chosen *gousb.Device
	for _, d := range devs {
		if chosen != nil || matchErr != nil {
			d.Close()
			continue
		}
		if serialNo == "" {
			chosen = d
			continue
		}
		matched, err := matchesSerial(d, serialNo)
		if err != nil {
			matchErr = err
			d.Close()
			continue
		}
		if matched {
			chosen = d
		} else {
			d.Close()
		}
	}
	if matchErr != nil {
		ctx.Close()
		return nil, matchErr
	}
	if chosen == nil {
		ctx.Close()
		return nil, qdlerr.New(qdlerr.KindTransportDisconnected,
			fmt.Sprintf("no EDL/Ramdump device with serial number %q", serialNo))
	}

	ch, err := newUSBChannel(ctx, chosen)
	if err != nil {
		chosen.Close()
		ctx.Close()
		return nil, err
	}
	return ch, nil
}

// matchesSerial reads the device's product string descriptor and compares
// the suffix following the literal "_SN:" against serialNo, case-insensitive.
func matchesSerial(d *gousb.Device, serialNo string) (bool, error) {
	prod, err := d.Product()
	if err != nil {
		return false, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "reading product string", err)
	}
	at := strings.Index(prod, "_SN:")
	if at < 0 {
		return false, nil
	}
	sn := prod[at+len("_SN:"):]
	return strings.EqualFold(sn, serialNo), nil
}

func newUSBChannel(ctx *gousb.Context, dev *gousb.Device) (*USBChannel, error) {
	_ = dev.SetAutoDetach(true)

	cfgNum, intfNum, altNum, inAddr, outAddr, err := findInterface(dev.Desc)
	if err != nil {
		return nil, err
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "setting USB configuration", err)
	}
	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		cfg.Close()
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "claiming USB interface", err)
	}
	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "opening bulk IN endpoint", err)
	}
	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "opening bulk OUT endpoint", err)
	}

	u := &USBChannel{ctx: ctx, dev: dev, cfg: cfg, intf: intf, in: in, out: out}
	u.ra = newReadAhead(u.rawRead)
	return u, nil
}

// findInterface walks every configuration's interface alt-settings looking
// for the Sahara/Firehose control interface: class 0xFF, subclass 0xFF,
// protocol in {0x10, 0x11, 0xFF}, at least two endpoints, with a bulk IN and
// a bulk OUT endpoint present.
func findInterface(desc *gousb.DeviceDesc) (cfgNum, intfNum, altNum int, inAddr, outAddr int, err error) {
	for cNum, cfgDesc := range desc.Configs {
		for _, ifDesc := range cfgDesc.Interfaces {
			for _, alt := range ifDesc.AltSettings {
				if alt.Class != gousb.ClassVendorSpec || alt.SubClass != 0xFF {
					continue
				}
				if !protocolAccepted(alt.Protocol) {
					continue
				}
				if len(alt.Endpoints) < 2 {
					continue
				}
				in, out, ok := firstBulkPair(alt.Endpoints)
				if !ok {
					continue
				}
				return cNum, ifDesc.Number, alt.Alternate, int(in), int(out), nil
			}
		}
	}
	return 0, 0, 0, 0, 0, qdlerr.New(qdlerr.KindTransportDisconnected,
		"no matching Sahara/Firehose interface found")
}

func protocolAccepted(p gousb.Protocol) bool {
	for _, want := range interfaceProtocols {
		if p == want {
			return true
		}
	}
	return false
}

func firstBulkPair(eps map[gousb.EndpointAddress]gousb.EndpointDesc) (in, out gousb.EndpointAddress, ok bool) {
	var haveIn, haveOut bool
	for addr, ep := range eps {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			in, haveIn = addr, true
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			out, haveOut = addr, true
		}
	}
	return in, out, haveIn && haveOut
}

// rawRead issues exactly one bulk IN transfer, bounded by IOTimeout.
func (u *USBChannel) rawRead(p []byte) (int, error) {
	return withTimeout(func() (int, error) { return u.in.Read(p) })
}

// Read drains the read-ahead buffer first, then issues one bulk IN transfer.
func (u *USBChannel) Read(p []byte) (int, error) {
	return u.ra.readOut(p)
}

// Write issues exactly one bulk OUT transfer, bounded by IOTimeout.
func (u *USBChannel) Write(p []byte) (int, error) {
	return withTimeout(func() (int, error) { return u.out.Write(p) })
}

func (u *USBChannel) FillBuf() ([]byte, error) { return u.ra.fillBuf() }
func (u *USBChannel) Consume(n int)            { u.ra.consume(n) }
func (u *USBChannel) Config() *Config          { return &u.fhConf }

// Close releases the interface, configuration, device, and USB context in
// order.
func (u *USBChannel) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfg != nil {
		u.cfg.Close()
	}
	var err error
	if u.dev != nil {
		err = u.dev.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	return err
}

// withTimeout bounds a blocking USB transfer to IOTimeout with a
// goroutine/select pair: the transfer itself cannot be cancelled mid-flight, so a timed-out call
// leaves the USB transaction outstanding, which is why callers treat a
// timeout as fatal to the session rather than something to retry.
func withTimeout(fn func() (int, error)) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			if errno, ok := r.err.(unix.Errno); ok {
				return r.n, qdlerr.FromErrno(errno, "USB bulk transfer")
			}
			return r.n, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "USB bulk transfer", r.err)
		}
		return r.n, nil
	case <-time.After(IOTimeout):
		return 0, qdlerr.New(qdlerr.KindTransportTimeout, "USB bulk transfer")
	}
}
