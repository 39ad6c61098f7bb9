// Package pca9685 drives the 16-channel PWM expander behind the motor bus.
//
// Datasheet: http://wiki.sunfounder.cc/images/e/ea/PCA9685_datasheet.pdf
package pca9685

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

// Register addresses.
const (
	regMode1     = 0x00
	regMode2     = 0x01
	regLed0OnL   = 0x06
	regAllLedOnL = 0xFA
	regPrescale  = 0xFE
)

// Mode1 bits.
const (
	mode1Restart = 1 << 7
	mode1AI      = 1 << 5
	mode1Sleep   = 1 << 4
	mode1AllCall = 1 << 0
)

// Mode2 bits.
const mode2OutDrv = 1 << 2

// fullOffBit is bit 4 of LEDn_OFF_H.
const fullOffBit = 0x10

// DefaultAddr is the expander's default I2C address.
const DefaultAddr uint16 = 0x40

// DefaultPWMFreq is the output frequency programmed at reset.
const DefaultPWMFreq = 50.0

const oscillatorHz = 25e6

// Dev is a handle to a PCA9685 on an I2C bus. Channel writes go through a
// register cache so repeated identical duties cost no bus traffic.
type Dev struct {
	mu    sync.Mutex
	conn  i2c.Dev
	cache map[int][2]byte
	mode1 int16
	mode2 int16
	presc int16
}

// New initializes the expander at addr on bus and programs the default
// 50 Hz output frequency.
func New(bus i2c.Bus, addr uint16) (*Dev, error) {
	d := &Dev{
		conn:  i2c.Dev{Bus: bus, Addr: addr},
		cache: map[int][2]byte{},
		mode1: -1,
		mode2: -1,
		presc: -1,
	}
	if err := d.Reset(); err != nil {
		return nil, errors.Wrap(err, "pca9685 reset failed")
	}
	if err := d.SetPWMFreq(DefaultPWMFreq); err != nil {
		return nil, errors.Wrap(err, "pca9685 prescale failed")
	}
	return d, nil
}

// Reset clears every channel to full off and restores the default modes.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = map[int][2]byte{}
	if err := d.write(regAllLedOnL, 0, 0, 0, fullOffBit); err != nil {
		return err
	}
	if err := d.writeMode2(mode2OutDrv); err != nil {
		return err
	}
	return d.writeMode1(mode1AllCall | mode1AI)
}

// SetPWMFreq reprograms the prescaler for the given output frequency.
func (d *Dev) SetPWMFreq(hz float64) error {
	if hz <= 0 {
		return errors.Errorf("invalid pwm frequency %f", hz)
	}
	prescale := int(oscillatorHz/4096/hz - 1)
	if prescale < 0x03 || prescale > 0xFF {
		return errors.Errorf("pwm frequency %f out of range", hz)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mode1 := byte(d.mode1)
	if err := d.writeMode1(mode1 | mode1Sleep); err != nil {
		return err
	}
	if err := d.write(regPrescale, byte(prescale)); err != nil {
		return err
	}
	d.presc = int16(prescale)
	time.Sleep(5 * time.Millisecond)
	return d.writeMode1(mode1 &^ mode1Sleep)
}

// PWMFreq returns the output frequency derived from the cached prescaler.
func (d *Dev) PWMFreq() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.presc < 0 {
		return 0
	}
	return oscillatorHz / 4096 / float64(d.presc+1)
}

// SetChannel programs a channel's duty cycle in [0, 1]. A zero duty sets
// the full-off bit so the output is driven low regardless of counts.
func (d *Dev) SetChannel(ch int, duty float64) error {
	if ch < 0 || ch > 15 {
		return errors.Errorf("channel %d out of range", ch)
	}
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}

	off := uint16(duty * 4095)
	offH := byte(off >> 8)
	if off == 0 {
		offH |= fullOffBit
	}
	return d.writeChannel(ch, byte(off), offH)
}

// SetFullOff forces or releases a channel's full-off bit, preserving its
// programmed counts.
func (d *Dev) SetFullOff(ch int, off bool) error {
	if ch < 0 || ch > 15 {
		return errors.Errorf("channel %d out of range", ch)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	value := d.cache[ch]
	if off {
		value[1] |= fullOffBit
	} else {
		value[1] &^= fullOffBit
	}
	return d.writeChannelLocked(ch, value[0], value[1])
}

func (d *Dev) writeChannel(ch int, offL, offH byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeChannelLocked(ch, offL, offH)
}

func (d *Dev) writeChannelLocked(ch int, offL, offH byte) error {
	if cached, ok := d.cache[ch]; ok && cached == [2]byte{offL, offH} {
		return nil
	}
	base := byte(regLed0OnL + 4*ch)
	if err := d.write(base, 0, 0, offL, offH); err != nil {
		return err
	}
	d.cache[ch] = [2]byte{offL, offH}
	return nil
}

func (d *Dev) writeMode1(value byte) error {
	if d.mode1 >= 0 && byte(d.mode1) == value {
		return nil
	}
	if err := d.write(regMode1, value); err != nil {
		return err
	}
	d.mode1 = int16(value)
	return nil
}

func (d *Dev) writeMode2(value byte) error {
	if d.mode2 >= 0 && byte(d.mode2) == value {
		return nil
	}
	if err := d.write(regMode2, value); err != nil {
		return err
	}
	d.mode2 = int16(value)
	return nil
}

func (d *Dev) write(reg byte, data ...byte) error {
	return d.conn.Tx(append([]byte{reg}, data...), nil)
}

// Close resets the expander so the motors are left unpowered.
func (d *Dev) Close() error {
	return d.Reset()
}
