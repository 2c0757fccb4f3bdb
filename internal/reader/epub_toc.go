package reader

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/taylorskalyo/goreader/epub"
)

// NCX XML structures for parsing toc.ncx
type ncx struct {
	NavMap struct {
		NavPoints []navPoint `xml:"navPoint"`
	} `xml:"navMap"`
}

type navPoint struct {
	Label struct {
		Text string `xml:"text"`
	} `xml:"navLabel"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []navPoint `xml:"navPoint"`
}

// titlesByHref flattens the nav map into href -> title. The first entry
// pointing at a file wins, so a chapter heading beats its sub-sections.
func (t *ncx) titlesByHref() map[string]string {
	out := make(map[string]string)
	add := func(key, title string) {
		if _, exists := out[key]; !exists {
			out[key] = title
		}
	}

	var walk func([]navPoint)
	walk = func(points []navPoint) {
		for _, np := range points {
			title := strings.TrimSpace(np.Label.Text)
			href := np.Content.Src
			file := href
			if idx := strings.Index(href, "#"); idx != -1 {
				file = href[:idx]
			}
			add(href, title)
			add(file, title)
			add(path.Base(file), title)
			walk(np.Children)
		}
	}
	walk(t.NavMap.NavPoints)
	return out
}

// buildTOCHrefMap parses the NCX and returns a map of href to title. A book
// without a usable NCX yields an empty map.
func buildTOCHrefMap(filename string, book *epub.Rootfile) map[string]string {
	data, err := findAndReadNCX(filename, book)
	if err != nil {
		return map[string]string{}
	}
	var toc ncx
	if err := xml.Unmarshal(data, &toc); err != nil {
		return map[string]string{}
	}
	return toc.titlesByHref()
}

func findAndReadNCX(filename string, book *epub.Rootfile) ([]byte, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var ncxPath string
	for _, item := range book.Manifest.Items {
		if item.MediaType == "application/x-dtbncx+xml" {
			ncxPath = item.HREF
			break
		}
	}

	for _, f := range zr.File {
		match := false
		if ncxPath == "" {
			match = strings.HasSuffix(strings.ToLower(f.Name), ".ncx")
		} else {
			match = f.Name == ncxPath || strings.HasSuffix(f.Name, "/"+ncxPath) || path.Base(f.Name) == path.Base(ncxPath)
		}
		if !match {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("no NCX file found in %s", filename)
}
