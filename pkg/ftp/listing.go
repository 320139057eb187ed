package ftp

import (
	"strconv"
	"strings"

	goftp "github.com/jlaffaye/ftp"

	"digital.vasic.remotefs/pkg/client"
)

// ParseListLine parses one Unix-style LIST line such as
//
//	-rw-r--r-- 1 user group 1234 Dec 25 12:34 test.txt
//
// into a FileInfo located under dir. It reports false for lines that do not
// describe an entry: totals, lines with fewer than nine fields, and the
// "." and ".." entries. Timestamps are not parsed.
func ParseListLine(line, dir string) (*client.FileInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, false
	}
	perms := fields[0]
	if len(perms) < 10 {
		return nil, false
	}

	name := strings.Join(fields[8:], " ")
	fileType := fileTypeFromChar(perms[0])
	if fileType == client.FileTypeSymlink {
		if i := strings.Index(name, " -> "); i > 0 {
			name = name[:i]
		}
	}
	if name == "." || name == ".." {
		return nil, false
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil || size < 0 {
		size = 0
	}

	info := client.NewFileInfo(name, client.JoinPath(dir, name), fileType, size)
	info.Permissions = client.PermissionsFromMode(modeFromString(perms[1:10]))
	info.Owner = fields[2]
	info.Group = fields[3]
	return info, true
}

func fileTypeFromChar(c byte) client.FileType {
	switch c {
	case 'd':
		return client.FileTypeDirectory
	case 'l':
		return client.FileTypeSymlink
	case '-':
		return client.FileTypeFile
	}
	return client.FileTypeOther
}

// modeFromString converts the nine rwx characters of a listing into
// permission bits. Setuid, setgid and sticky markers count as execute.
func modeFromString(s string) uint32 {
	var mode uint32
	for i := 0; i < 9; i++ {
		mode <<= 1
		switch s[i] {
		case 'r', 'w', 'x', 's', 't':
			mode |= 1
		}
	}
	return mode
}

// entryToFileInfo converts an entry parsed by the FTP library using the
// same rules as ParseListLine.
func entryToFileInfo(entry *goftp.Entry, dir string) (*client.FileInfo, bool) {
	if entry.Name == "." || entry.Name == ".." || entry.Name == "" {
		return nil, false
	}

	fileType := client.FileTypeOther
	switch entry.Type {
	case goftp.EntryTypeFile:
		fileType = client.FileTypeFile
	case goftp.EntryTypeFolder:
		fileType = client.FileTypeDirectory
	case goftp.EntryTypeLink:
		fileType = client.FileTypeSymlink
	}

	size := int64(entry.Size)
	if entry.Size > uint64(1<<63-1) {
		size = 1<<63 - 1
	}
	return client.NewFileInfo(entry.Name, client.JoinPath(dir, entry.Name), fileType, size), true
}
