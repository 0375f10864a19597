package binlog

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// Field is one column value of a row image. Data aliases the row buffer
// of the RowsEvent it came from and is only valid as long as that event.
// The conversion methods are pure functions of Type, Meta and Data.
type Field struct {
	Type     ColumnType
	Meta     uint16
	Unsigned bool

	// Null is set for SQL NULL values.
	Null bool

	// Omitted is set for columns missing from the row image, as written
	// by servers with binlog_row_image other than FULL.
	Omitted bool

	Data []byte
}

func (f Field) notSupported(conv string) error {
	return errors.NotSupportedf("%s of %s column", conv, f.Type)
}

func (f Field) need(n int) error {
	if len(f.Data) < n {
		return errors.Annotatef(ErrTruncatedRecord, "%s value needs %d bytes, have %d", f.Type, n, len(f.Data))
	}
	return nil
}

// realType resolves the type hidden in the metadata of STRING columns.
func (f Field) realType() ColumnType {
	if f.Type == MYSQL_TYPE_STRING {
		switch rt := ColumnType(f.Meta >> 8); rt {
		case MYSQL_TYPE_ENUM, MYSQL_TYPE_SET:
			return rt
		}
	}
	return f.Type
}

func leUint(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * uint(i))
	}
	return v
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// Uint64 returns integer, bit, enum and set values as unsigned numbers.
func (f Field) Uint64() (uint64, error) {
	switch f.realType() {
	case MYSQL_TYPE_TINY, MYSQL_TYPE_SHORT, MYSQL_TYPE_INT24, MYSQL_TYPE_LONG, MYSQL_TYPE_LONGLONG,
		MYSQL_TYPE_ENUM, MYSQL_TYPE_SET, MYSQL_TYPE_TIMESTAMP:
		return leUint(f.Data), nil
	case MYSQL_TYPE_BIT:
		return beUint(f.Data), nil
	case MYSQL_TYPE_YEAR:
		v, err := f.Int64()
		return uint64(v), err
	}
	return 0, f.notSupported("Uint64")
}

// Int64 returns integer values honoring the signedness of the column,
// and YEAR as the full year number.
func (f Field) Int64() (int64, error) {
	switch f.realType() {
	case MYSQL_TYPE_TINY, MYSQL_TYPE_SHORT, MYSQL_TYPE_INT24, MYSQL_TYPE_LONG, MYSQL_TYPE_LONGLONG:
		v := leUint(f.Data)
		if f.Unsigned {
			if v > math.MaxInt64 {
				return 0, errors.NotValidf("unsigned value %d as int64", v)
			}
			return int64(v), nil
		}
		shift := 64 - 8*uint(len(f.Data))
		return int64(v<<shift) >> shift, nil
	case MYSQL_TYPE_YEAR:
		if err := f.need(1); err != nil {
			return 0, err
		}
		if f.Data[0] == 0 {
			return 0, nil
		}
		return 1900 + int64(f.Data[0]), nil
	case MYSQL_TYPE_BIT, MYSQL_TYPE_ENUM, MYSQL_TYPE_SET, MYSQL_TYPE_TIMESTAMP:
		v, err := f.Uint64()
		return int64(v), err
	}
	return 0, f.notSupported("Int64")
}

// Float64 returns FLOAT, DOUBLE and DECIMAL values.
func (f Field) Float64() (float64, error) {
	switch f.Type {
	case MYSQL_TYPE_FLOAT:
		if err := f.need(4); err != nil {
			return 0, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(f.Data))), nil
	case MYSQL_TYPE_DOUBLE:
		if err := f.need(8); err != nil {
			return 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(f.Data)), nil
	case MYSQL_TYPE_NEWDECIMAL:
		d, err := f.Decimal()
		if err != nil {
			return 0, err
		}
		v, _ := d.Float64()
		return v, nil
	}
	return 0, f.notSupported("Float64")
}

// Decimal returns NEWDECIMAL values.
func (f Field) Decimal() (decimal.Decimal, error) {
	if f.Type != MYSQL_TYPE_NEWDECIMAL {
		return decimal.Decimal{}, f.notSupported("Decimal")
	}
	return decodeDecimal(f.Data, int(f.Meta>>8), int(f.Meta&0xff))
}

// https://dev.mysql.com/doc/refman/8.0/en/precision-math-decimal-characteristics.html
// Digits are packed nine to four bytes, big-endian, with the sign in
// the inverted top bit; negative values have every byte inverted.
func decodeDecimal(b []byte, precision, scale int) (decimal.Decimal, error) {
	if precision == 0 || scale > precision {
		return decimal.Decimal{}, errors.NotValidf("decimal(%d,%d)", precision, scale)
	}
	size := decimalBinarySize(precision, scale)
	if len(b) < size {
		return decimal.Decimal{}, errors.Annotatef(ErrTruncatedRecord, "decimal(%d,%d) needs %d bytes, have %d", precision, scale, size, len(b))
	}
	buf := append([]byte(nil), b[:size]...)
	negative := buf[0]&0x80 == 0
	buf[0] ^= 0x80
	if negative {
		for i := range buf {
			buf[i] ^= 0xff
		}
	}
	intg := precision - scale
	var sb strings.Builder
	if negative {
		sb.WriteByte('-')
	}
	off := 0
	group := func(digits int) {
		n := dig2bytes[digits]
		fmt.Fprintf(&sb, "%0*d", digits, beUint(buf[off:off+n]))
		off += n
	}
	if intg == 0 {
		sb.WriteByte('0')
	}
	if lead := intg % digitsPerInteger; lead > 0 {
		group(lead)
	}
	for i := 0; i < intg/digitsPerInteger; i++ {
		group(digitsPerInteger)
	}
	if scale > 0 {
		sb.WriteByte('.')
		for i := 0; i < scale/digitsPerInteger; i++ {
			group(digitsPerInteger)
		}
		if trail := scale % digitsPerInteger; trail > 0 {
			group(trail)
		}
	}
	d, err := decimal.NewFromString(sb.String())
	return d, errors.Trace(err)
}

// dateTime holds the broken-down value of temporal columns, including
// zero dates that time.Time cannot represent.
type dateTime struct {
	year, month, day     int
	hour, minute, second int
	micro                int
	negative             bool
}

func (v dateTime) time() time.Time {
	if v.year == 0 && v.month == 0 && v.day == 0 {
		return time.Time{}
	}
	return time.Date(v.year, time.Month(v.month), v.day, v.hour, v.minute, v.second, v.micro*1000, time.UTC)
}

// fsp returns the fractional seconds precision of temporal columns.
func (f Field) fsp() int {
	switch f.Type {
	case MYSQL_TYPE_DATETIME2, MYSQL_TYPE_TIMESTAMP2, MYSQL_TYPE_TIME2:
		return int(f.Meta)
	}
	return 0
}

// fraction decodes the big-endian fractional part of temporal2 types
// into microseconds.
func fraction(b []byte, fsp int) int {
	switch (fsp + 1) / 2 {
	case 1:
		return int(b[0]) * 10000
	case 2:
		return int(beUint(b[:2])) * 100
	case 3:
		return int(beUint(b[:3]))
	}
	return 0
}

func (f Field) dateTime() (dateTime, error) {
	size, err := FieldSize(f.Type, f.Meta, f.Data)
	if err != nil {
		return dateTime{}, err
	}
	if err := f.need(size); err != nil {
		return dateTime{}, err
	}
	b := f.Data
	switch f.Type {
	case MYSQL_TYPE_DATE, MYSQL_TYPE_NEWDATE:
		v := int(leUint(b[:3]))
		return dateTime{year: v >> 9, month: (v >> 5) & 15, day: v & 31}, nil
	case MYSQL_TYPE_DATETIME:
		v := int(leUint(b[:8]))
		d, t := v/1000000, v%1000000
		return dateTime{
			year: d / 10000, month: d % 10000 / 100, day: d % 100,
			hour: t / 10000, minute: t % 10000 / 100, second: t % 100,
		}, nil
	case MYSQL_TYPE_DATETIME2:
		// 1 bit sign, 17 bits year*13+month, 5 bits day,
		// 5 bits hour, 6 bits minute, 6 bits second.
		v := beUint(b[:5])
		slice := func(off, n uint) int {
			return int(v>>(40-(off+n))) & (1<<n - 1)
		}
		ym := slice(1, 17)
		return dateTime{
			year: ym / 13, month: ym % 13, day: slice(18, 5),
			hour: slice(23, 5), minute: slice(28, 6), second: slice(34, 6),
			micro: fraction(b[5:], f.fsp()),
		}, nil
	case MYSQL_TYPE_TIMESTAMP, MYSQL_TYPE_TIMESTAMP2:
		var sec int64
		var micro int
		if f.Type == MYSQL_TYPE_TIMESTAMP {
			sec = int64(leUint(b[:4]))
		} else {
			sec = int64(beUint(b[:4]))
			micro = fraction(b[4:], f.fsp())
		}
		if sec == 0 && micro == 0 {
			return dateTime{}, nil
		}
		t := time.Unix(sec, int64(micro)*1000).UTC()
		return dateTime{
			year: t.Year(), month: int(t.Month()), day: t.Day(),
			hour: t.Hour(), minute: t.Minute(), second: t.Second(), micro: micro,
		}, nil
	case MYSQL_TYPE_TIME:
		v := int(leUint(b[:3]))
		if v&0x800000 != 0 {
			v -= 1 << 24
		}
		d := dateTime{}
		if v < 0 {
			d.negative, v = true, -v
		}
		d.hour, d.minute, d.second = v/10000, v%10000/100, v%100
		return d, nil
	case MYSQL_TYPE_TIME2:
		return decodeTime2(b, f.fsp()), nil
	}
	return dateTime{}, f.notSupported("time")
}

const (
	timefIntOfs = 0x800000
	timefOfs    = 0x800000000000
)

func decodeTime2(b []byte, fsp int) dateTime {
	var packed int64
	switch (fsp + 1) / 2 {
	case 1:
		intPart := int64(beUint(b[:3])) - timefIntOfs
		frac := int64(b[3])
		if intPart < 0 && frac > 0 {
			intPart++
			frac -= 0x100
		}
		packed = intPart<<24 + frac*10000
	case 2:
		intPart := int64(beUint(b[:3])) - timefIntOfs
		frac := int64(beUint(b[3:5]))
		if intPart < 0 && frac > 0 {
			intPart++
			frac -= 0x10000
		}
		packed = intPart<<24 + frac*100
	case 3:
		packed = int64(beUint(b[:6])) - timefOfs
	default:
		packed = (int64(beUint(b[:3])) - timefIntOfs) << 24
	}
	var d dateTime
	if packed < 0 {
		d.negative, packed = true, -packed
	}
	hms := packed >> 24
	d.hour = int(hms>>12) % (1 << 10)
	d.minute = int(hms>>6) % (1 << 6)
	d.second = int(hms) % (1 << 6)
	d.micro = int(packed % (1 << 24))
	return d
}

// Time returns DATE, DATETIME and TIMESTAMP values in UTC.
// Zero dates yield the zero time.Time.
func (f Field) Time() (time.Time, error) {
	switch f.Type {
	case MYSQL_TYPE_DATE, MYSQL_TYPE_NEWDATE, MYSQL_TYPE_DATETIME, MYSQL_TYPE_DATETIME2,
		MYSQL_TYPE_TIMESTAMP, MYSQL_TYPE_TIMESTAMP2:
		v, err := f.dateTime()
		if err != nil {
			return time.Time{}, err
		}
		return v.time(), nil
	}
	return time.Time{}, f.notSupported("Time")
}

// Duration returns TIME values.
func (f Field) Duration() (time.Duration, error) {
	switch f.Type {
	case MYSQL_TYPE_TIME, MYSQL_TYPE_TIME2:
		v, err := f.dateTime()
		if err != nil {
			return 0, err
		}
		d := time.Duration(v.hour)*time.Hour + time.Duration(v.minute)*time.Minute +
			time.Duration(v.second)*time.Second + time.Duration(v.micro)*time.Microsecond
		if v.negative {
			d = -d
		}
		return d, nil
	}
	return 0, f.notSupported("Duration")
}

// Bytes returns the payload of string, blob, json and geometry values
// without their length prefix. Other types return their raw storage.
func (f Field) Bytes() ([]byte, error) {
	var width int
	switch f.realType() {
	case MYSQL_TYPE_VARCHAR:
		width = 1
		if f.Meta > 255 {
			width = 2
		}
	case MYSQL_TYPE_STRING:
		width = 1
		if stringMaxLength(f.Meta) > 255 {
			width = 2
		}
	case MYSQL_TYPE_BLOB, MYSQL_TYPE_TINY_BLOB, MYSQL_TYPE_MEDIUM_BLOB, MYSQL_TYPE_LONG_BLOB,
		MYSQL_TYPE_GEOMETRY, MYSQL_TYPE_JSON:
		width = int(f.Meta)
	default:
		return f.Data, nil
	}
	size, err := prefixedSize(width, f.Data)
	if err != nil {
		return nil, err
	}
	if err := f.need(size); err != nil {
		return nil, err
	}
	return f.Data[width:size], nil
}

// String renders the value the way the mysql client shows it.
// NULL values render as NULL.
func (f Field) String() string {
	if f.Null {
		return "NULL"
	}
	if f.Omitted {
		return ""
	}
	s, err := f.format()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", f.Type, err)
	}
	return s
}

func (f Field) format() (string, error) {
	switch f.realType() {
	case MYSQL_TYPE_TINY, MYSQL_TYPE_SHORT, MYSQL_TYPE_INT24, MYSQL_TYPE_LONG, MYSQL_TYPE_LONGLONG:
		if f.Unsigned {
			v, err := f.Uint64()
			return strconv.FormatUint(v, 10), err
		}
		v, err := f.Int64()
		return strconv.FormatInt(v, 10), err
	case MYSQL_TYPE_YEAR:
		v, err := f.Int64()
		return fmt.Sprintf("%04d", v), err
	case MYSQL_TYPE_BIT, MYSQL_TYPE_ENUM, MYSQL_TYPE_SET:
		v, err := f.Uint64()
		return strconv.FormatUint(v, 10), err
	case MYSQL_TYPE_FLOAT:
		v, err := f.Float64()
		return strconv.FormatFloat(v, 'g', -1, 32), err
	case MYSQL_TYPE_DOUBLE:
		v, err := f.Float64()
		return strconv.FormatFloat(v, 'g', -1, 64), err
	case MYSQL_TYPE_NEWDECIMAL:
		d, err := f.Decimal()
		if err != nil {
			return "", err
		}
		return d.StringFixed(int32(f.Meta & 0xff)), nil
	case MYSQL_TYPE_DATE, MYSQL_TYPE_NEWDATE:
		v, err := f.dateTime()
		return fmt.Sprintf("%04d-%02d-%02d", v.year, v.month, v.day), err
	case MYSQL_TYPE_DATETIME, MYSQL_TYPE_DATETIME2, MYSQL_TYPE_TIMESTAMP, MYSQL_TYPE_TIMESTAMP2:
		v, err := f.dateTime()
		s := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", v.year, v.month, v.day, v.hour, v.minute, v.second)
		return s + fractionString(v.micro, f.fsp()), err
	case MYSQL_TYPE_TIME, MYSQL_TYPE_TIME2:
		v, err := f.dateTime()
		sign := ""
		if v.negative {
			sign = "-"
		}
		s := fmt.Sprintf("%s%02d:%02d:%02d", sign, v.hour, v.minute, v.second)
		return s + fractionString(v.micro, f.fsp()), err
	case MYSQL_TYPE_JSON:
		return f.JSONString()
	case MYSQL_TYPE_VARCHAR, MYSQL_TYPE_STRING, MYSQL_TYPE_VAR_STRING, MYSQL_TYPE_BLOB,
		MYSQL_TYPE_TINY_BLOB, MYSQL_TYPE_MEDIUM_BLOB, MYSQL_TYPE_LONG_BLOB, MYSQL_TYPE_GEOMETRY:
		b, err := f.Bytes()
		return string(b), err
	case MYSQL_TYPE_NULL:
		return "NULL", nil
	}
	return fmt.Sprintf("%x", f.Data), nil
}

func fractionString(micro, fsp int) string {
	if fsp <= 0 {
		return ""
	}
	if fsp > 6 {
		fsp = 6
	}
	s := fmt.Sprintf("%06d", micro)
	return "." + s[:fsp]
}
