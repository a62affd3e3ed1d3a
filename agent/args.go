package agent

// counted drops the terminator a -1 length string was read with. A NULL
// string arrives empty and stays empty.
func counted(b []byte, length int32) []byte {
	if length < 0 && len(b) > 0 {
		return b[:len(b)-1]
	}
	return b
}
