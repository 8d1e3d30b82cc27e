package nfsmount

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"

	billy "github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize bounds the NFS file handle cache.
const handleCacheSize = 4096

// Server serves a billy.Filesystem over NFSv3.
type Server struct {
	listener net.Listener
	port     int
	done     chan error
}

// NewServer starts an NFS server on addr (":0" for an ephemeral port).
func NewServer(fs billy.Filesystem, addr string, log *logrus.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nfs listen: %w", err)
	}
	s := &Server{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan error, 1),
	}
	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fs), handleCacheSize)
	go func() {
		s.done <- nfs.Serve(listener, handler)
	}()
	if log != nil {
		log.WithField("port", s.port).Info("nfs server listening")
	}
	return s, nil
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int { return s.port }

// Done delivers the error the serve loop stopped with.
func (s *Server) Done() <-chan error { return s.done }

// Close stops the server.
func (s *Server) Close() error { return s.listener.Close() }

// Mount mounts the server read-only at mountpoint with the system mount
// command. It needs sudo.
func Mount(port int, mountpoint string) error {
	var opts string
	switch runtime.GOOS {
	case "darwin":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,locallocks,noresvport,rdonly", port, port)
	case "linux":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,local_lock=all,nolock,ro", port, port)
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	cmd := exec.Command("sudo", "mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount failed: %w\n%s", err, string(output))
	}
	return nil
}

// Unmount unmounts mountpoint.
func Unmount(mountpoint string) error {
	if runtime.GOOS == "darwin" {
		if err := exec.Command("diskutil", "unmount", mountpoint).Run(); err == nil {
			return nil
		}
	}
	if output, err := exec.Command("sudo", "umount", mountpoint).CombinedOutput(); err != nil {
		return fmt.Errorf("unmount failed: %w\n%s", err, string(output))
	}
	return nil
}
