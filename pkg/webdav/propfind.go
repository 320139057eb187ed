package webdav

import (
	"encoding/xml"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"digital.vasic.remotefs/pkg/client"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
	<D:prop>
		<D:displayname/>
		<D:getcontentlength/>
		<D:getcontenttype/>
		<D:getlastmodified/>
		<D:creationdate/>
		<D:resourcetype/>
	</D:prop>
</D:propfind>`

// resource is one <response> of a multi-status reply.
type resource struct {
	Href          string
	DisplayName   string
	ContentLength int64
	ContentType   string
	LastModified  string
	CreationDate  string
	Collection    bool
}

// propstat collects the properties of one <propstat> until its status is
// known.
type propstat struct {
	status        string
	displayName   string
	contentLength string
	contentType   string
	lastModified  string
	creationDate  string
	collection    bool
}

func (p *propstat) ok() bool {
	if p.status == "" {
		return true
	}
	fields := strings.Fields(p.status)
	return len(fields) >= 2 && strings.HasPrefix(fields[1], "2")
}

func (p *propstat) applyTo(r *resource) {
	if p.displayName != "" {
		r.DisplayName = p.displayName
	}
	if p.contentLength != "" {
		if n, err := strconv.ParseInt(p.contentLength, 10, 64); err == nil && n >= 0 {
			r.ContentLength = n
		}
	}
	if p.contentType != "" {
		r.ContentType = p.contentType
	}
	if p.lastModified != "" {
		r.LastModified = p.lastModified
	}
	if p.creationDate != "" {
		r.CreationDate = p.creationDate
	}
	if p.collection {
		r.Collection = true
	}
}

// parseMultiStatus reads a PROPFIND multi-status body token by token. The
// element stack tells which response and propstat a text node belongs to.
// Properties reported under a non-2xx propstat are ignored.
func parseMultiStatus(r io.Reader) ([]resource, error) {
	decoder := xml.NewDecoder(r)

	var (
		resources []resource
		current   *resource
		stat      *propstat
		stack     []string
		text      strings.Builder
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			stack = append(stack, name)
			text.Reset()
			switch name {
			case "response":
				current = &resource{}
			case "propstat":
				if current != nil {
					stat = &propstat{}
				}
			case "collection":
				if stat != nil && parentIs(stack, "resourcetype") {
					stat.collection = true
				}
			}

		case xml.CharData:
			text.Write(t)

		case xml.EndElement:
			name := t.Name.Local
			value := strings.TrimSpace(text.String())
			text.Reset()
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

			switch {
			case current == nil:
			case name == "response":
				resources = append(resources, *current)
				current = nil
			case name == "href" && stat == nil:
				current.Href = value
			case name == "propstat" && stat != nil:
				if stat.ok() {
					stat.applyTo(current)
				}
				stat = nil
			case stat == nil:
			case name == "status":
				stat.status = value
			case name == "displayname":
				stat.displayName = value
			case name == "getcontentlength":
				stat.contentLength = value
			case name == "getcontenttype":
				stat.contentType = value
			case name == "getlastmodified":
				stat.lastModified = value
			case name == "creationdate":
				stat.creationDate = value
			}
		}
	}
	return resources, nil
}

func parentIs(stack []string, name string) bool {
	return len(stack) >= 2 && stack[len(stack)-2] == name
}

// hrefPath returns the decoded path of an href, which servers send either
// as an absolute URL or as a path.
func hrefPath(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return u.Path
}

// sameResource compares two server paths ignoring a trailing slash.
func sameResource(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// toFileInfo converts a resource into a FileInfo at remotePath.
func (r *resource) toFileInfo(remotePath string) *client.FileInfo {
	name := path.Base(strings.TrimSuffix(hrefPath(r.Href), "/"))
	if name == "" || name == "." || name == "/" {
		name = r.DisplayName
	}
	if name == "" {
		name = path.Base(remotePath)
	}

	fileType := client.FileTypeFile
	if r.Collection {
		fileType = client.FileTypeDirectory
	}

	info := client.NewFileInfo(name, remotePath, fileType, r.ContentLength)
	if t, err := http.ParseTime(r.LastModified); err == nil {
		info.ModTime = client.TimePtr(t)
	}
	if t, err := time.Parse(time.RFC3339, r.CreationDate); err == nil {
		info.Created = client.TimePtr(t)
	}
	if !r.Collection && r.ContentType != "" {
		if mediaType, _, err := mime.ParseMediaType(r.ContentType); err == nil {
			info.MimeType = mediaType
		}
	}
	return info
}
