package common

import (
	"strconv"
)

type PID int

func (p PID) String() string {
	return strconv.Itoa(int(p))
}
