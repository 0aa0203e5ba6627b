//go:build linux && (amd64 || arm64)

package ptracer

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// The remote iovec of process_vm_readv describes addresses in the
// target's address space, so both fields are plain words.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVMRead calls process_vm_readv to read len(data) bytes from
// the address space of tid starting at addr.
func processVMRead(tid int, addr uintptr, data []byte) (int, error) {
	localIov := sys.Iovec{Base: &data[0], Len: uint64(len(data))}
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	pLocal := uintptr(unsafe.Pointer(&localIov))
	pRemote := uintptr(unsafe.Pointer(&remoteIov))
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), pLocal, 1, pRemote, 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
