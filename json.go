package binlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/juju/errors"
)

// JSON decodes a JSON column stored in the binary JSON format into
// maps, slices, strings, numbers, bools and nil.
func (f Field) JSON() (interface{}, error) {
	if f.Type != MYSQL_TYPE_JSON {
		return nil, f.notSupported("JSON")
	}
	b, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		// empty value is written for JSON null in partial updates
		return nil, nil
	}
	return jsonDecoder{}.decodeValue(b)
}

// JSONString returns the JSON text of a JSON column.
func (f Field) JSONString() (string, error) {
	v, err := f.JSON()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errors.Trace(err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// https://dev.mysql.com/worklog/task/?id=8132#tabs-8132-4
type jsonDecoder struct{}

const (
	jsonSmallObj byte = iota
	jsonLargeObj
	jsonSmallArr
	jsonLargeArr
	jsonLiteral
	jsonInt16
	jsonUInt16
	jsonInt32
	jsonUInt32
	jsonInt64
	jsonUInt64
	jsonDouble
	jsonString
	jsonCustom = 0x0f
)

func jsonTruncated(what string) error {
	return errors.Annotatef(ErrTruncatedRecord, "json %s", what)
}

func (d jsonDecoder) decodeValue(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, jsonTruncated("value type")
	}
	return d.decodeValueType(data[0], data[1:])
}

func (d jsonDecoder) decodeValueType(typ byte, data []byte) (interface{}, error) {
	switch typ {
	case jsonSmallObj:
		return d.decodeComposite(data, true, true)
	case jsonLargeObj:
		return d.decodeComposite(data, false, true)
	case jsonSmallArr:
		return d.decodeComposite(data, true, false)
	case jsonLargeArr:
		return d.decodeComposite(data, false, false)
	case jsonLiteral:
		return d.decodeLiteral(data)
	case jsonInt16:
		v, err := d.uint(data, 2)
		return int16(v), err
	case jsonUInt16:
		v, err := d.uint(data, 2)
		return uint16(v), err
	case jsonInt32:
		v, err := d.uint(data, 4)
		return int32(v), err
	case jsonUInt32:
		v, err := d.uint(data, 4)
		return uint32(v), err
	case jsonInt64:
		v, err := d.uint(data, 8)
		return int64(v), err
	case jsonUInt64:
		return d.uint(data, 8)
	case jsonDouble:
		v, err := d.uint(data, 8)
		return math.Float64frombits(v), err
	case jsonString:
		return d.decodeString(data)
	case jsonCustom:
		return d.decodeCustom(data)
	}
	return nil, errors.NotValidf("json value type 0x%02x", typ)
}

func (d jsonDecoder) uint(data []byte, n int) (uint64, error) {
	if len(data) < n {
		return 0, jsonTruncated("number")
	}
	return leUint(data[:n]), nil
}

func (d jsonDecoder) decodeComposite(data []byte, small bool, obj bool) (interface{}, error) {
	width := 4
	if small {
		width = 2
	}
	off := 0
	next := func() (int, error) {
		v, err := d.uint(data[min(off, len(data)):], width)
		off += width
		return int(v), err
	}
	elemCount, err := next()
	if err != nil {
		return nil, err
	}
	if _, err := next(); err != nil { // size in bytes
		return nil, err
	}
	var keys []string
	if obj {
		keys = make([]string, elemCount)
		for i := range keys {
			keyOff, err := next()
			if err != nil {
				return nil, err
			}
			keyLen, err := d.uint(data[min(off, len(data)):], 2)
			if err != nil {
				return nil, err
			}
			off += 2
			if len(data) < keyOff+int(keyLen) {
				return nil, jsonTruncated("object key")
			}
			keys[i] = string(data[keyOff : keyOff+int(keyLen)])
		}
	}

	inlined := func(typ byte) bool {
		switch typ {
		case jsonLiteral, jsonInt16, jsonUInt16:
			return true
		case jsonInt32, jsonUInt32:
			return !small
		}
		return false
	}
	vals := make([]interface{}, elemCount)
	for i := range vals {
		if off >= len(data) {
			return nil, jsonTruncated("value entry")
		}
		typ := data[off]
		off++
		if inlined(typ) {
			v, err := d.decodeValueType(typ, data[off:])
			if err != nil {
				return nil, err
			}
			vals[i] = v
			off += width
			continue
		}
		valueOff, err := next()
		if err != nil {
			return nil, err
		}
		if valueOff > len(data) {
			return nil, jsonTruncated("value offset")
		}
		v, err := d.decodeValueType(typ, data[valueOff:])
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	if obj {
		m := make(map[string]interface{}, len(keys))
		for i, key := range keys {
			m[key] = vals[i]
		}
		return m, nil
	}
	return vals, nil
}

func (d jsonDecoder) decodeLiteral(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, jsonTruncated("literal")
	}
	switch data[0] {
	case 0x00:
		return nil, nil
	case 0x01:
		return true, nil
	case 0x02:
		return false, nil
	}
	return nil, errors.NotValidf("json literal 0x%02x", data[0])
}

// decodeDataLen reads a variable length integer, 7 bits per byte.
func (d jsonDecoder) decodeDataLen(data []byte) (int, []byte, error) {
	const max = 5 // math.MaxUint32 can be encoded in 5 bytes
	var size uint64
	for i := 0; i < max; i++ {
		if len(data) == 0 {
			return 0, data, jsonTruncated("data length")
		}
		v := data[0]
		data = data[1:]
		size |= uint64(v&0x7f) << uint(7*i)
		if v&0x80 == 0 {
			return int(size), data, nil
		}
	}
	return 0, nil, errors.NotValidf("json data length")
}

func (d jsonDecoder) decodeString(data []byte) (string, error) {
	size, data, err := d.decodeDataLen(data)
	if err != nil {
		return "", err
	}
	if len(data) < size {
		return "", jsonTruncated("string")
	}
	return string(data[:size]), nil
}

// decodeCustom decodes opaque values, which carry a column type.
// Temporal values come back as time.Time and time.Duration.
func (d jsonDecoder) decodeCustom(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, jsonTruncated("opaque type")
	}
	typ := ColumnType(data[0])
	size, data, err := d.decodeDataLen(data[1:])
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, jsonTruncated("opaque value")
	}
	data = data[:size]

	switch typ {
	case MYSQL_TYPE_NEWDECIMAL:
		if len(data) < 2 {
			return nil, jsonTruncated("decimal")
		}
		v, err := decodeDecimal(data[2:], int(data[0]), int(data[1]))
		if err != nil {
			return nil, err
		}
		return json.Number(v.String()), nil
	case MYSQL_TYPE_TIME:
		if len(data) < 8 {
			return nil, jsonTruncated("time")
		}
		v := int64(binary.LittleEndian.Uint64(data))
		var sign time.Duration = 1
		if v < 0 {
			v, sign = -v, -1
		}
		frac := v % (1 << 24)
		v >>= 24
		hour, minute, sec := (v>>12)%(1<<10), (v>>6)%(1<<6), v%(1<<6)
		return sign * (time.Duration(hour)*time.Hour +
			time.Duration(minute)*time.Minute +
			time.Duration(sec)*time.Second +
			time.Duration(frac)*time.Microsecond), nil
	case MYSQL_TYPE_DATE, MYSQL_TYPE_DATETIME, MYSQL_TYPE_TIMESTAMP:
		if len(data) < 8 {
			return nil, jsonTruncated("datetime")
		}
		v := int64(binary.LittleEndian.Uint64(data))
		if v < 0 {
			v = -v
		}
		frac := v % (1 << 24)
		v >>= 24
		ymd := v >> 17
		ym := ymd >> 5
		hms := v % (1 << 17)
		dt := dateTime{
			year: int(ym / 13), month: int(ym % 13), day: int(ymd % (1 << 5)),
			hour: int(hms >> 12), minute: int((hms >> 6) % (1 << 6)), second: int(hms % (1 << 6)),
			micro: int(frac),
		}
		return dt.time(), nil
	}
	return string(data), nil
}
