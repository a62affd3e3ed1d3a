package locale

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// TimeZoneIDUnknown is the GetTimeZoneInformation result when no daylight
// saving transition applies.
const TimeZoneIDUnknown = 0

// TimeZoneInfoSize is sizeof(TIME_ZONE_INFORMATION).
const TimeZoneInfoSize = 172

type zoneKey struct {
	bias int32
	lcid uint32
}

var zoneNames = map[zoneKey]string{
	{-540, 1042}: "Korea Standard Time",
	{-480, 1028}: "Taipei Standard Time",
	{-480, 3076}: "China Standard Time",
	{-480, 4100}: "Singapore Standard Time",
}

var biasNames = map[int32]string{
	-540: "Tokyo Standard Time",
	-480: "China Standard Time",
	-420: "SE Asia Standard Time",
	-330: "India Standard Time",
	-180: "Russian Standard Time",
	-120: "GTB Standard Time",
	-60:  "W. Europe Standard Time",
	0:    "GMT Standard Time",
	300:  "Eastern Standard Time",
	360:  "Central Standard Time",
	420:  "Mountain Standard Time",
	480:  "Pacific Standard Time",
}

// TimeZone is the content of a TIME_ZONE_INFORMATION reported to the
// target. Daylight saving is never reported.
type TimeZone struct {
	Bias         int32
	StandardName string
	DaylightName string
}

// TimeZone reports the configured bias with a name matching it.
func (self *State) TimeZone() TimeZone {
	name, ok := zoneNames[zoneKey{self.TimezoneBias, self.LocaleID}]
	if !ok {
		name = biasNames[self.TimezoneBias]
	}
	return TimeZone{Bias: self.TimezoneBias, StandardName: name, DaylightName: name}
}

type systemTime struct {
	Year, Month, DayOfWeek, Day, Hour, Minute, Second, Milliseconds uint16
}

type timeZoneInformation struct {
	Bias         int32
	StandardName [32]uint16
	StandardDate systemTime
	StandardBias int32
	DaylightName [32]uint16
	DaylightDate systemTime
	DaylightBias int32
}

func wname(s string) (out [32]uint16) {
	u := utf16.Encode([]rune(s))
	if len(u) > len(out)-1 {
		u = u[:len(out)-1]
	}
	copy(out[:], u)
	return
}

// MarshalBinary lays the zone out as TIME_ZONE_INFORMATION.
func (self TimeZone) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, binary.LittleEndian, timeZoneInformation{
		Bias:         self.Bias,
		StandardName: wname(self.StandardName),
		DaylightName: wname(self.DaylightName),
	})
	return buf.Bytes(), err
}
