package attachments

import (
	"path"
	"strings"
)

const (
	CategoryImages    = "images"
	CategoryVideos    = "videos"
	CategoryAudio     = "audio"
	CategoryDocuments = "documents"
	CategoryArchives  = "archives"
	CategoryCode      = "code"
	CategoryOther     = "other"
)

var extensionCategories = map[string]string{
	".png": CategoryImages, ".jpg": CategoryImages, ".jpeg": CategoryImages, ".gif": CategoryImages,
	".webp": CategoryImages, ".bmp": CategoryImages, ".svg": CategoryImages, ".tiff": CategoryImages,
	".mp4": CategoryVideos, ".mov": CategoryVideos, ".avi": CategoryVideos, ".mkv": CategoryVideos,
	".webm": CategoryVideos, ".flv": CategoryVideos, ".wmv": CategoryVideos,
	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio, ".flac": CategoryAudio,
	".m4a": CategoryAudio, ".aac": CategoryAudio,
	".pdf": CategoryDocuments, ".doc": CategoryDocuments, ".docx": CategoryDocuments, ".txt": CategoryDocuments,
	".rtf": CategoryDocuments, ".odt": CategoryDocuments, ".xls": CategoryDocuments, ".xlsx": CategoryDocuments,
	".ppt": CategoryDocuments, ".pptx": CategoryDocuments, ".csv": CategoryDocuments,
	".zip": CategoryArchives, ".rar": CategoryArchives, ".7z": CategoryArchives, ".tar": CategoryArchives,
	".gz": CategoryArchives, ".bz2": CategoryArchives,
	".py": CategoryCode, ".js": CategoryCode, ".ts": CategoryCode, ".go": CategoryCode, ".java": CategoryCode,
	".c": CategoryCode, ".cpp": CategoryCode, ".rs": CategoryCode, ".html": CategoryCode, ".css": CategoryCode,
	".json": CategoryCode, ".xml": CategoryCode, ".yaml": CategoryCode, ".yml": CategoryCode, ".sql": CategoryCode,
}

// Categorize picks a category from the content type, then the file extension.
func Categorize(filename, contentType string) string {
	major, _, _ := strings.Cut(strings.ToLower(contentType), "/")
	switch major {
	case "image":
		return CategoryImages
	case "video":
		return CategoryVideos
	case "audio":
		return CategoryAudio
	}
	if category, ok := extensionCategories[strings.ToLower(path.Ext(filename))]; ok {
		return category
	}
	return CategoryOther
}
