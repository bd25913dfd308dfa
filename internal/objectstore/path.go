package objectstore

import "strings"

// Normalize turns p into a bucket-relative key: forward slashes only, no
// repeated separators and no leading separator. A trailing separator is
// kept because it marks a folder. Normalize(Normalize(p)) == Normalize(p).
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.TrimPrefix(p, "/")
}

// JoinKey joins non-empty parts with "/" and normalizes the result.
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Normalize(strings.Join(kept, "/"))
}

// folderPrefix returns the listing prefix for folder ("a/b" -> "a/b/").
// The bucket root has an empty prefix.
func folderPrefix(folder string) string {
	f := Normalize(folder)
	if f == "" || strings.HasSuffix(f, "/") {
		return f
	}
	return f + "/"
}
