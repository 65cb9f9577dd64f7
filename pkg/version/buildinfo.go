package version

import (
	"bytes"
	"fmt"
	"runtime/debug"
)

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(buf, " dep\t%s\t%s\t=> %s\t%s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(buf, " dep\t%s\t%s\t%s\n", dep.Path, dep.Version, dep.Sum)
	}
	return buf.String()
}
