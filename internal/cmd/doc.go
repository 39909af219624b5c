// Package cmd contains the cobra command tree of the streambus CLI.
package cmd
