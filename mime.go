package cloudview

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Common MIME types
const (
	MIMETypeTextPlain       = "text/plain"
	MIMETypeTextHTML        = "text/html"
	MIMETypeTextCSS         = "text/css"
	MIMETypeTextJavaScript  = "text/javascript"
	MIMETypeApplicationJSON = "application/json"
	MIMETypeApplicationXML  = "application/xml"
	MIMETypeImageJPEG       = "image/jpeg"
	MIMETypeImagePNG        = "image/png"
	MIMETypeImageGIF        = "image/gif"
	MIMETypeImageSVG        = "image/svg+xml"
	MIMETypeImageWebP       = "image/webp"
	MIMETypeAudioMP3        = "audio/mpeg"
	MIMETypeAudioOGG        = "audio/ogg"
	MIMETypeVideoMP4        = "video/mp4"
	MIMETypeVideoWebM       = "video/webm"
	MIMETypeApplicationPDF  = "application/pdf"
	MIMETypeApplicationZip  = "application/zip"
)

// Common file extensions to MIME types mapping
var extensionToMIME = map[string]string{
	".txt":   MIMETypeTextPlain,
	".html":  MIMETypeTextHTML,
	".htm":   MIMETypeTextHTML,
	".css":   MIMETypeTextCSS,
	".js":    MIMETypeTextJavaScript,
	".json":  MIMETypeApplicationJSON,
	".xml":   MIMETypeApplicationXML,
	".jpg":   MIMETypeImageJPEG,
	".jpeg":  MIMETypeImageJPEG,
	".png":   MIMETypeImagePNG,
	".gif":   MIMETypeImageGIF,
	".svg":   MIMETypeImageSVG,
	".webp":  MIMETypeImageWebP,
	".mp3":   MIMETypeAudioMP3,
	".ogg":   MIMETypeAudioOGG,
	".mp4":   MIMETypeVideoMP4,
	".webm":  MIMETypeVideoWebM,
	".pdf":   MIMETypeApplicationPDF,
	".zip":   MIMETypeApplicationZip,
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".csv":   "text/csv",
	".md":    "text/markdown",
	".doc":   "application/msword",
	".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":   "application/vnd.ms-excel",
	".xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":   "application/vnd.ms-powerpoint",
	".pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "font/otf",
}

// GuessContentType determines the content type of an item from its name
// and, when the extension is unknown, from its leading bytes.
func GuessContentType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if contentType, ok := extensionToMIME[ext]; ok {
		return contentType
	}

	if len(data) > 0 {
		return http.DetectContentType(data)
	}

	contentType := mime.TypeByExtension(ext)
	if contentType != "" {
		return contentType
	}

	return "application/octet-stream"
}

// IsTextFile returns true if the file is a text file based on its MIME type
func IsTextFile(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		contentType == MIMETypeApplicationJSON ||
		contentType == MIMETypeApplicationXML ||
		contentType == "application/javascript" ||
		contentType == "application/x-javascript"
}

// IsImageFile returns true if the file is an image file based on its MIME type
func IsImageFile(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// IsAudioFile returns true if the file is an audio file based on its MIME type
func IsAudioFile(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/")
}

// IsVideoFile returns true if the file is a video file based on its MIME type
func IsVideoFile(contentType string) bool {
	return strings.HasPrefix(contentType, "video/")
}

// IsCompressedFile returns true if the file is a compressed file based on its MIME type
func IsCompressedFile(contentType string) bool {
	return contentType == MIMETypeApplicationZip ||
		contentType == "application/gzip" ||
		contentType == "application/x-tar" ||
		contentType == "application/x-7z-compressed" ||
		contentType == "application/x-rar-compressed"
}

// IsPDFFile returns true if the file is a PDF file based on its MIME type
func IsPDFFile(contentType string) bool {
	return contentType == MIMETypeApplicationPDF
}

// MediaKind classifies a content type as "text", "image", "audio",
// "video", "archive", "pdf" or "" when none applies.
func MediaKind(contentType string) string {
	switch {
	case IsTextFile(contentType):
		return "text"
	case IsImageFile(contentType):
		return "image"
	case IsAudioFile(contentType):
		return "audio"
	case IsVideoFile(contentType):
		return "video"
	case IsCompressedFile(contentType):
		return "archive"
	case IsPDFFile(contentType):
		return "pdf"
	}
	return ""
}

// IsPlayable reports whether the item can be handed to a media player.
func IsPlayable(it *Item) bool {
	ct := it.ContentType()
	if ct == "" {
		ct = GuessContentType(it.Name(), nil)
	}
	return IsAudioFile(ct) || IsVideoFile(ct)
}
