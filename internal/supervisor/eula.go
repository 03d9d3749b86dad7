package supervisor

import (
	"os"
	"path/filepath"
)

// EULAFile is written to the server directory before every start; the server
// refuses to run without it.
const EULAFile = "eula.txt"

const eulaContent = "#By changing the setting below to TRUE you are indicating your agreement to our EULA " +
	"(https://account.mojang.com/documents/minecraft_eula)\n" +
	"#Mon Mar 20 21:15:37 PDT 2017\n" +
	"eula=true\n"

func writeEULA(dir string) error {
	return os.WriteFile(filepath.Join(dir, EULAFile), []byte(eulaContent), 0644)
}
