package cmd

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"

	"github.com/JanssenProject/jans-sub052/signing"
)

func init() {
	rootCmd.AddCommand(joseCmd)
	joseCmd.AddCommand(joseGenerateJwkCmd)
	joseCmd.AddCommand(joseGenerateJwkSetCmd)
	joseCmd.AddCommand(josePublicJwkCmd)
	joseCmd.AddCommand(josePublicJwkSetCmd)
}

var joseCmd = &cobra.Command{
	Use:   "jose",
	Short: "Various JOSE utilities",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var joseGenerateJwkCmd = &cobra.Command{
	Use:   "generate-jwk [alg]",
	Short: "Generate a JWK, ES256 by default",
	Run: func(cmd *cobra.Command, args []string) {
		alg := jwa.ES256
		if len(args) > 0 {
			alg = jwa.SignatureAlgorithm(args[0])
		}
		key, err := signing.GenerateKey(alg, time.Time{})
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(key))
	},
}

var joseGenerateJwkSetCmd = &cobra.Command{
	Use:   "generate-jwks [number of keys]",
	Short: "Generate a JWK Set of ES256 keys",
	Run: func(cmd *cobra.Command, args []string) {
		num := 1
		if len(args) > 0 {
			var err error
			num, err = strconv.Atoi(strings.TrimSpace(args[0]))
			cobra.CheckErr(err)
		}
		algs := make([]jwa.SignatureAlgorithm, num)
		for i := range algs {
			algs[i] = jwa.ES256
		}
		jwks, err := signing.GenerateKeySet(algs, time.Time{})
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(jwks))
	},
}

var josePublicJwkCmd = &cobra.Command{
	Use:   "public-jwk",
	Short: "Reads the JWK from stdin and prints the public JWK to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		cobra.CheckErr(err)
		key, err := jwk.ParseKey(data)
		cobra.CheckErr(err)
		publicKey, err := key.PublicKey()
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(publicKey))
	},
}

var josePublicJwkSetCmd = &cobra.Command{
	Use:   "public-jwks",
	Short: "Reads the JWK Set from stdin and prints the public JWK Set to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		cobra.CheckErr(err)
		jwks, err := jwk.Parse(data)
		cobra.CheckErr(err)
		provider, err := signing.NewProvider(jwks)
		cobra.CheckErr(err)
		publicSet, err := provider.PublicJWKS()
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(publicSet))
	},
}
