package transfer

var DownloadedTag = downloadedTag
