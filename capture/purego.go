//go:build darwin || linux

package capture

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

// nativeLibName returns the platform file name of a libmedia_* codec library.
func nativeLibName(base string) string {
	if runtime.GOOS == "darwin" {
		return base + ".dylib"
	}
	return base + ".so"
}

// nativeLibPaths lists where a codec library is looked up, in order: the
// per-library env var, MEDIA_SDK_LIB_PATH, next to the executable, the
// module's build directory, then the system paths.
func nativeLibPaths(base, envVar string) []string {
	libName := nativeLibName(base)

	var paths []string
	if env := os.Getenv(envVar); env != "" {
		paths = append(paths, env)
	}
	if env := os.Getenv("MEDIA_SDK_LIB_PATH"); env != "" {
		paths = append(paths, filepath.Join(env, libName))
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, libName),
			filepath.Join(dir, "..", "lib", libName),
		)
	}
	if root := findModuleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/opt/homebrew/lib/"+libName)
	default:
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/usr/lib/"+libName)
	}
	return paths
}

// findModuleRoot walks up from the working directory to the directory
// holding go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// cString copies a NUL-terminated C string of at most 1024 bytes.
func cString(ptr uintptr) string {
	if ptr == 0 {
		return "unknown error"
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < 1024 && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
