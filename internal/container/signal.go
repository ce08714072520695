package container

import "syscall"

func killPid(pid int, sig int) error {
	return syscall.Kill(pid, syscall.Signal(sig))
}
